package tenauth

import "context"

// User is the directory's view of a subject. Claims are merged into the
// userinfo response verbatim.
type User struct {
	ID            string         `json:"id"`
	Email         string         `json:"email,omitempty"`
	Name          string         `json:"name,omitempty"`
	EmailVerified bool           `json:"email_verified,omitempty"`
	Claims        map[string]any `json:"claims,omitempty"`
}

// UserDirectory resolves and authenticates subjects. The engine owns no user
// records of its own; the host application injects its directory.
type UserDirectory interface {
	// UserByID returns the user or an error satisfying errors.Is(err,
	// ErrNotFound).
	UserByID(ctx context.Context, tenantID, userID string) (*User, error)
	// Authenticate verifies first-factor credentials. A failed
	// verification returns an error satisfying errors.Is(err,
	// ErrAccessDenied); the engine never learns why.
	Authenticate(ctx context.Context, tenantID, identifier, secret string) (*User, error)
}

// MagicLinkSender delivers sign-in links. Best effort: failures are logged
// and audited, never fatal to the flow.
type MagicLinkSender interface {
	Send(ctx context.Context, tenantID, email, link string) error
}
