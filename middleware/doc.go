// Package middleware exposes HTTP middleware adapters that guard routes with
// bearer access tokens issued by a tenauth.Engine.
//
// # Guards
//
//   - [Guard] — configurable verification mode.
//   - [RequireVerified] — stateless signature and claim verification.
//   - [RequireIntrospected] — verification plus liveness via introspection.
//
// Each guard resolves the tenant from the request, reads the Authorization
// header, verifies the token through the engine, and injects the validated
// claims into the request context.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to the engine).
//   - Access Redis (the engine handles I/O).
//   - Make authorization decisions beyond pass/reject.
package middleware
