package pending

import "time"

// Request is one in-flight authorization attempt. It is created when a client
// redirects the end user to the authorize endpoint, mutated by the flow
// engine as it advances, and destroyed on completion, denial, or TTL expiry.
type Request struct {
	RID        string `json:"rid"`
	TenantID   string `json:"tenant_id"`
	TenantSlug string `json:"tenant_slug"`

	ClientDBID  string `json:"client_db_id"`
	ClientID    string `json:"client_id"`
	ClientName  string `json:"client_name,omitempty"`
	RedirectURI string `json:"redirect_uri"`
	Scope       string `json:"scope"`
	State       string `json:"state,omitempty"`
	Nonce       string `json:"nonce,omitempty"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// UserID stays empty until a flow node authenticates the subject.
	UserID string `json:"user_id,omitempty"`

	FlowTrigger string `json:"flow_trigger"`
	FlowID      string `json:"flow_id,omitempty"`
	FlowCursor  int    `json:"flow_cursor"`

	// Awaiting names the suspension kind a suspended flow is parked on;
	// empty when the flow is not suspended. AwaitDeadline bounds
	// prompt-style suspensions inside the request's own TTL.
	Awaiting      string `json:"awaiting,omitempty"`
	AwaitDeadline int64  `json:"await_deadline,omitempty"`

	// Signals accumulates node outputs consumed by later predicates.
	Signals map[string]any `json:"signals,omitempty"`

	Version   int64 `json:"version"`
	CreatedAt int64 `json:"created_at"`
	ExpiresAt int64 `json:"expires_at"`
}

// Expired reports whether the request is past its TTL.
func (r *Request) Expired(now time.Time) bool {
	return now.Unix() >= r.ExpiresAt
}

// SetSignal records a node output, allocating the map on first use.
func (r *Request) SetSignal(key string, value any) {
	if r.Signals == nil {
		r.Signals = make(map[string]any)
	}
	r.Signals[key] = value
}

// Signal fetches one accumulated signal.
func (r *Request) Signal(key string) (any, bool) {
	v, ok := r.Signals[key]
	return v, ok
}
