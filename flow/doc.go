// Package flow executes a tenant's configured node graph for one
// authorization attempt, advancing or suspending the pending request as it
// goes.
//
// A flow is an ordered, possibly branching sequence of typed nodes. The node
// type set is closed: the dispatcher switches exhaustively over it, so a new
// type is a compile-visible change, never a silent runtime fallthrough.
// Flows are validated when authored; the interpreter assumes a valid graph
// and only re-checks conditions that are unknowable before run time (rate
// counters, verifier results, prompt timeouts).
//
// Suspending nodes park the run inside the pending request itself: the
// cursor and accumulated signals are persisted through the coordinator, and
// the run resumes from the same cursor when the awaited completion arrives.
// Resuming the same suspension twice is rejected, not replayed.
//
// # What this package must NOT do
//
//   - No direct verifier implementations. CAPTCHA, MFA, webhooks, and
//     message sending are injected interfaces; the engine orchestrates only.
//   - No flow re-validation per execution.
//   - No persistence of its own beyond the flow definitions; run state
//     lives in the pending request.
package flow
