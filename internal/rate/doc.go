// Package rate provides the shared fixed-window rate limit primitive consumed
// by the key lifecycle, pending-request, token, and flow subsystems.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional PEXPIRE on the first hit in a
// window; PTTL of the counter yields the reset time. When Redis is
// unreachable the limiter transparently degrades to an in-process map with
// identical window semantics, trading cross-instance accuracy for
// availability. Take never blocks and never fails the caller.
//
// # What this package must NOT do
//
//   - Implement domain-specific limit policies (callers pick key, limit, window).
//   - Be imported outside the tenauth module.
package rate
