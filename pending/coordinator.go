package pending

import (
	"context"
	"errors"
	"time"

	"github.com/tenauth/tenauth/internal"
)

// DefaultTTL bounds how long an authorization attempt may stay in flight.
const DefaultTTL = 10 * time.Minute

const casRetries = 4

// CreateParams carries the immutable portion of a new pending request.
type CreateParams struct {
	TenantID   string
	TenantSlug string

	ClientDBID  string
	ClientID    string
	ClientName  string
	RedirectURI string
	Scope       string
	State       string
	Nonce       string

	CodeChallenge       string
	CodeChallengeMethod string

	FlowTrigger string
	FlowID      string
}

// Coordinator owns pending-request state and the completion event bridge.
type Coordinator struct {
	store Store
	bus   Bus
	ttl   time.Duration
}

// NewCoordinator wires a store and bus together. ttl <= 0 selects
// [DefaultTTL].
func NewCoordinator(store Store, bus Bus, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if bus == nil {
		bus = NewLocalBus()
	}
	return &Coordinator{store: store, bus: bus, ttl: ttl}
}

// Create allocates a new request under a cryptographically random rid.
func (c *Coordinator) Create(ctx context.Context, params CreateParams) (*Request, error) {
	rid, err := internal.NewRequestID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	req := &Request{
		RID:                 rid.String(),
		TenantID:            params.TenantID,
		TenantSlug:          params.TenantSlug,
		ClientDBID:          params.ClientDBID,
		ClientID:            params.ClientID,
		ClientName:          params.ClientName,
		RedirectURI:         params.RedirectURI,
		Scope:               params.Scope,
		State:               params.State,
		Nonce:               params.Nonce,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		FlowTrigger:         params.FlowTrigger,
		FlowID:              params.FlowID,
		Version:             1,
		CreatedAt:           now.Unix(),
		ExpiresAt:           now.Add(c.ttl).Unix(),
	}

	if err := c.store.Create(ctx, req, c.ttl); err != nil {
		return nil, err
	}
	return req, nil
}

// Get returns the request or [ErrRequestGone], uniformly for absent and
// expired rids.
func (c *Coordinator) Get(ctx context.Context, rid string) (*Request, error) {
	return c.store.Get(ctx, rid)
}

// Update applies mutate under optimistic concurrency: on a version conflict
// the request is re-read and mutate re-applied, a bounded number of times.
// A duplicate webhook callback racing a flow-step advance serializes here
// without corrupting the cursor.
func (c *Coordinator) Update(ctx context.Context, rid string, mutate func(*Request) error) (*Request, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		req, err := c.store.Get(ctx, rid)
		if err != nil {
			return nil, err
		}
		if err := mutate(req); err != nil {
			return nil, err
		}

		err = c.store.CompareAndSwap(ctx, req)
		if err == nil {
			return req, nil
		}
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return nil, err
	}
	return nil, ErrVersionConflict
}

// Complete destroys the request. Idempotent: a second Complete is a no-op.
func (c *Coordinator) Complete(ctx context.Context, rid string) error {
	return c.store.Delete(ctx, rid)
}

// Publish emits an event to any live subscriber of the rid. At-most-once:
// with nobody listening the event is dropped.
func (c *Coordinator) Publish(ctx context.Context, rid, name string, payload []byte) error {
	return c.bus.Publish(ctx, rid, Event{Name: name, Payload: payload})
}

// Subscribe opens the event stream for a rid. The subscription closes when
// ctx is cancelled or Close is called, releasing the channel registration.
func (c *Coordinator) Subscribe(ctx context.Context, rid string) (Subscription, error) {
	return c.bus.Subscribe(ctx, rid)
}

// TTL reports the configured request lifetime.
func (c *Coordinator) TTL() time.Duration {
	return c.ttl
}
