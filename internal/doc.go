// Package internal contains helper utilities that are intentionally private to
// tenauth, including secure random generation for request ids, authorization
// codes, and refresh secrets, plus PKCE hashing.
//
// # Sub-packages
//
//   - audit — async event dispatch (Dispatcher + Sink implementations)
//   - rate — Redis-backed fixed-window counters with local fallback
//
// # What this package must NOT do
//
//   - Export types that appear in the public tenauth API.
//   - Be imported by any package outside the tenauth module.
package internal
