// Package token mints and verifies the credentials of the authorization
// server: opaque single-use authorization codes bound to PKCE challenge and
// nonce, EdDSA-signed access and ID tokens, and rotating opaque refresh
// tokens bound to server-side sessions.
//
// # Hard guarantees
//
//   - Code consumption is a Redis GETDEL: exactly one of N concurrent
//     exchange attempts for the same code succeeds.
//   - Signing always uses the tenant's active key; a missing active key is
//     an operational fault surfaced as [keyring.ErrNoActiveKey], never
//     silently skipped.
//   - Every expiry claim is epoch seconds truncated to whole seconds, and
//     the alg is fixed to EdDSA, matching the published JWKS for each kid.
package token
