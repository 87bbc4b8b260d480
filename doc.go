// Package tenauth is an embeddable multi-tenant OAuth2/OIDC authorization
// core: per-tenant signing-key lifecycle, pending-request coordination,
// configurable authentication flows, and token issuance, all backed by
// Redis.
//
// The package is transport-agnostic. Hosts wire an [Engine] through the
// builder and bind its operations to whatever HTTP framework they run; the
// examples directory shows one such binding. Tenant, client, and user
// records stay with the host — the engine consumes them through injected
// interfaces and never stores credentials of its own.
//
// A typical authorization pass: the host calls [Engine.Authorize], which
// creates a pending request and starts the tenant's flow for the requested
// trigger. The flow suspends at interactive nodes; the host renders the
// returned prompt, resumes with the user's input, and on completion receives
// a redirect URI carrying a single-use authorization code. The code is
// exchanged for tokens with [Engine.ExchangeCode].
package tenauth
