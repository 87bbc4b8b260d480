// Package pending holds in-flight authorization-request state addressed by a
// random request id (rid) and bridges completion notifications between
// independent request contexts, e.g. a waiting browser tab and the handler
// that finishes a parallel device's login.
//
// # Components
//
//   - [Request] — the ephemeral, TTL-bound authorization attempt record.
//   - [Store] — injected persistence with Redis and in-memory implementations;
//     updates use a version CAS so racing writers serialize without lost
//     updates.
//   - [Bus] — at-most-once publish/subscribe with Redis and local fan-out
//     backends behind one interface; delivery is a latency optimization, the
//     canonical path re-reads state through Get after reconnecting.
//
// # What this package must NOT do
//
//   - Interpret flow semantics (cursor meaning, signal contents).
//   - Distinguish "never existed" from "expired" to callers.
package pending
