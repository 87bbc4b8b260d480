// Package keyring owns the per-tenant signing-key lifecycle: staging,
// atomic promotion, rotation, and the public JWK set served for token
// verification.
//
// # Lifecycle invariant
//
// A key is staged, active, or retired. At most one key per tenant is active
// at any instant. Promotion retires the current active key and activates the
// target inside a single Redis Lua script, so readers observe either the
// pre-promotion or the post-promotion state, never an intermediate one.
// Keys are never deleted: retired keys stay verifiable until every token
// they signed has expired.
//
// # Architecture boundaries
//
// keyring stores public JWKs in the clear and private keys sealed with
// AES-256-GCM under a caller-supplied master key. It exposes signers and
// verifier sets; it never signs tokens itself.
package keyring
