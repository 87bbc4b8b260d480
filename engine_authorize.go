package tenauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tenauth/tenauth/flow"
	"github.com/tenauth/tenauth/keyring"
	"github.com/tenauth/tenauth/pending"
	"github.com/tenauth/tenauth/token"
)

// AuthorizeParams is one authorization request after the host has resolved
// tenant and client records.
type AuthorizeParams struct {
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

	// Trigger selects the flow; empty defaults to signin.
	Trigger string
}

// AuthorizeResult is the immediate answer to an authorize call: either a
// suspension the host must render, or a terminal redirect.
type AuthorizeResult struct {
	RID     string
	Outcome *flow.Outcome
}

func (p *AuthorizeParams) validate() error {
	if p.TenantID == "" || p.TenantSlug == "" {
		return fmt.Errorf("%w: tenant required", ErrValidation)
	}
	if p.ClientID == "" {
		return fmt.Errorf("%w: client_id required", ErrValidation)
	}
	if p.RedirectURI == "" {
		return fmt.Errorf("%w: redirect_uri required", ErrValidation)
	}
	parsed, err := url.Parse(p.RedirectURI)
	if err != nil || !parsed.IsAbs() {
		return fmt.Errorf("%w: redirect_uri must be an absolute URL", ErrValidation)
	}
	switch p.CodeChallengeMethod {
	case "":
		if p.CodeChallenge != "" {
			return fmt.Errorf("%w: code_challenge without a method", ErrValidation)
		}
	case token.PKCEMethodS256, token.PKCEMethodPlain:
		if p.CodeChallenge == "" {
			return fmt.Errorf("%w: code_challenge required for method %s", ErrValidation, p.CodeChallengeMethod)
		}
	default:
		return fmt.Errorf("%w: unknown code_challenge_method %q", ErrValidation, p.CodeChallengeMethod)
	}
	if p.Trigger != "" && !flow.Trigger(p.Trigger).Valid() {
		return fmt.Errorf("%w: unknown trigger %q", ErrValidation, p.Trigger)
	}
	return nil
}

// Authorize creates a pending request and starts the tenant's flow for the
// requested trigger. The caller renders the outcome: a prompt for a
// suspension, a redirect for a terminal state.
func (e *Engine) Authorize(ctx context.Context, params AuthorizeParams) (*AuthorizeResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	started := time.Now()

	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.Trigger == "" {
		params.Trigger = string(flow.TriggerSignin)
	}

	if limit := e.config.RateLimit.AuthorizeLimit; limit > 0 {
		key := params.TenantID + ":authorize"
		if ip := clientIPFromContext(ctx); ip != "" {
			key += ":" + ip
		}
		if d := e.rateLimiter.Take(ctx, key, limit, e.config.RateLimit.AuthorizeWindow); !d.Allowed {
			e.metricInc(MetricRateLimitHit)
			e.emitAudit(ctx, AuditEvent{
				EventType: "authorize.rate_limited",
				TenantID:  params.TenantID,
				ClientID:  params.ClientID,
			})
			return nil, fmt.Errorf("%w: authorize rate limited", ErrAccessDenied)
		}
	}

	req, err := e.coordinator.Create(ctx, pending.CreateParams{
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
		FlowTrigger:         params.Trigger,
	})
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricAuthorizeStarted)

	outcome, err := e.flowEngine.Start(ctx, req.RID)
	if err != nil {
		if errors.Is(err, flow.ErrFlowNotFound) {
			// No flow bound to the trigger is a tenant configuration
			// problem, not a user error.
			_ = e.coordinator.Complete(ctx, req.RID)
			return nil, fmt.Errorf("%w: no enabled flow for trigger %s", ErrNotFound, params.Trigger)
		}
		if errors.Is(err, keyring.ErrNoActiveKey) {
			e.metricInc(MetricNoActiveKey)
		}
		return nil, err
	}

	e.observeOutcome(ctx, req, outcome)
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricAuthorizeLatency, time.Since(started))
	}

	return &AuthorizeResult{RID: req.RID, Outcome: outcome}, nil
}

// ResolvePending returns the in-flight request, uniformly answering
// [ErrExpiredRequest] for unknown and expired rids.
func (e *Engine) ResolvePending(ctx context.Context, rid string) (*pending.Request, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	req, err := e.coordinator.Get(ctx, rid)
	if err != nil {
		if errors.Is(err, pending.ErrRequestGone) {
			return nil, ErrExpiredRequest
		}
		return nil, err
	}
	return req, nil
}

// AuthenticatePending verifies first-factor credentials through the user
// directory and binds the subject to the pending request.
func (e *Engine) AuthenticatePending(ctx context.Context, rid, identifier, secret string) (*User, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	req, err := e.ResolvePending(ctx, rid)
	if err != nil {
		return nil, err
	}

	user, err := e.directory.Authenticate(ctx, req.TenantID, identifier, secret)
	if err != nil {
		e.emitAudit(ctx, AuditEvent{
			EventType: "authenticate.failed",
			TenantID:  req.TenantID,
			ClientID:  req.ClientID,
			RID:       rid,
			Error:     "invalid credentials",
		})
		return nil, err
	}

	if err := e.AttachUser(ctx, rid, user.ID); err != nil {
		return nil, err
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: "authenticate.success",
		TenantID:  req.TenantID,
		UserID:    user.ID,
		ClientID:  req.ClientID,
		RID:       rid,
		Success:   true,
	})
	return user, nil
}

// AttachUser binds an already-authenticated subject to the pending request.
func (e *Engine) AttachUser(ctx context.Context, rid, userID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if userID == "" {
		return fmt.Errorf("%w: user id required", ErrValidation)
	}
	_, err := e.coordinator.Update(ctx, rid, func(r *pending.Request) error {
		r.UserID = userID
		r.SetSignal("auth_time", time.Now().Unix())
		return nil
	})
	if errors.Is(err, pending.ErrRequestGone) {
		return ErrExpiredRequest
	}
	return err
}

// ConsentDecision is the user's answer to the consent prompt.
type ConsentDecision struct {
	Deny     bool
	Remember bool
}

// SubmitConsent resolves the consent step of a suspended flow. Denial
// terminates the flow with error=access_denied on the client redirect;
// approval resumes it, optionally remembering the grant so later flows can
// skip the prompt.
func (e *Engine) SubmitConsent(ctx context.Context, rid string, decision ConsentDecision) (*flow.Outcome, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	req, err := e.ResolvePending(ctx, rid)
	if err != nil {
		return nil, err
	}

	if decision.Deny {
		redirect, err := e.issuer.DenialRedirect(req, "access_denied")
		if err != nil {
			return nil, err
		}
		if err := e.coordinator.Complete(ctx, rid); err != nil {
			return nil, err
		}
		e.metricInc(MetricAuthorizeDenied)
		e.emitAudit(ctx, AuditEvent{
			EventType: "consent.denied",
			TenantID:  req.TenantID,
			UserID:    req.UserID,
			ClientID:  req.ClientID,
			RID:       rid,
		})
		return &flow.Outcome{Status: flow.RunDenied, RedirectURI: redirect}, nil
	}

	if decision.Remember && req.UserID != "" {
		grant := &ConsentGrant{
			TenantID: req.TenantID,
			UserID:   req.UserID,
			ClientID: req.ClientID,
			Scopes:   strings.Fields(req.Scope),
		}
		if err := e.consent.Upsert(ctx, grant); err != nil {
			return nil, err
		}
	}

	payload, _ := json.Marshal(map[string]any{"action": "allow", "remember": decision.Remember})
	return e.ResumeFlow(ctx, rid, flow.AwaitPrompt, payload)
}

// HasConsent reports whether a remembered grant covers the requested scopes,
// letting the host skip the consent prompt.
func (e *Engine) HasConsent(ctx context.Context, tenantID, userID, clientID, scope string) (bool, error) {
	if e == nil {
		return false, ErrEngineNotReady
	}
	return e.consent.Covers(ctx, tenantID, userID, clientID, strings.Fields(scope))
}

// RevokeConsent forgets a remembered grant.
func (e *Engine) RevokeConsent(ctx context.Context, tenantID, userID, clientID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	return e.consent.Revoke(ctx, tenantID, userID, clientID)
}

// ResumeFlow completes the suspension a request is parked on: a submitted
// prompt, a verified captcha, an MFA assertion, a webhook callback.
func (e *Engine) ResumeFlow(ctx context.Context, rid, kind string, payload json.RawMessage) (*flow.Outcome, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	outcome, err := e.flowEngine.Resume(ctx, rid, kind, payload)
	if err != nil {
		if errors.Is(err, pending.ErrRequestGone) {
			return nil, ErrExpiredRequest
		}
		if errors.Is(err, keyring.ErrNoActiveKey) {
			e.metricInc(MetricNoActiveKey)
		}
		return nil, err
	}

	req := &pending.Request{RID: rid}
	if r, getErr := e.coordinator.Get(ctx, rid); getErr == nil {
		req = r
	}
	e.observeOutcome(ctx, req, outcome)
	return outcome, nil
}

// SubscribeLogin attaches to the request's completion channel. The
// subscription closes when ctx is cancelled; events published with no
// subscriber are dropped, so reconnecting callers should re-read state via
// ResolvePending first.
func (e *Engine) SubscribeLogin(ctx context.Context, rid string) (pending.Subscription, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return e.coordinator.Subscribe(ctx, rid)
}

func (e *Engine) observeOutcome(ctx context.Context, req *pending.Request, outcome *flow.Outcome) {
	if outcome == nil {
		return
	}
	switch outcome.Status {
	case flow.RunCompleted:
		e.metricInc(MetricAuthorizeCompleted)
		e.metricInc(MetricCodeIssued)
		e.emitAudit(ctx, AuditEvent{
			EventType: "authorize.completed",
			TenantID:  req.TenantID,
			UserID:    req.UserID,
			ClientID:  req.ClientID,
			RID:       req.RID,
			Success:   true,
		})
	case flow.RunDenied, flow.RunFailed:
		e.metricInc(MetricAuthorizeDenied)
		e.emitAudit(ctx, AuditEvent{
			EventType: "authorize.denied",
			TenantID:  req.TenantID,
			UserID:    req.UserID,
			ClientID:  req.ClientID,
			RID:       req.RID,
		})
	case flow.RunSuspended:
		e.metricInc(MetricAuthorizeSuspended)
	}
}
