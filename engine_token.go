package tenauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tenauth/tenauth/keyring"
	"github.com/tenauth/tenauth/token"
)

// ExchangeParams carries a token-endpoint authorization_code grant after
// the host has authenticated the client.
type ExchangeParams struct {
	TenantID     string
	ClientID     string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// ExchangeCode redeems an authorization code for the token set. Codes are
// single use; any validation failure also burns the code.
func (e *Engine) ExchangeCode(ctx context.Context, params ExchangeParams) (*token.TokenSet, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if params.TenantID == "" || params.Code == "" {
		return nil, fmt.Errorf("%w: tenant and code required", ErrValidation)
	}

	set, err := e.issuer.ExchangeCode(ctx, params.TenantID, params.Code, params.RedirectURI, params.CodeVerifier, params.ClientID)
	if err != nil {
		e.metricInc(MetricCodeRejected)
		if errors.Is(err, keyring.ErrNoActiveKey) {
			e.metricInc(MetricNoActiveKey)
		}
		e.emitAudit(ctx, AuditEvent{
			EventType: "token.exchange_failed",
			TenantID:  params.TenantID,
			ClientID:  params.ClientID,
			Error:     err.Error(),
		})
		return nil, err
	}

	e.metricInc(MetricCodeExchanged)
	e.emitAudit(ctx, AuditEvent{
		EventType: "token.exchanged",
		TenantID:  params.TenantID,
		ClientID:  params.ClientID,
		Success:   true,
	})
	return set, nil
}

// Refresh rotates a refresh token and mints a fresh token set. Presenting a
// superseded refresh token revokes the whole session.
func (e *Engine) Refresh(ctx context.Context, tenantID, tenantSlug, refreshToken string) (*token.TokenSet, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	set, err := e.issuer.Refresh(ctx, tenantID, tenantSlug, refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrRefreshReuse) {
			e.metricInc(MetricRefreshReuseDetected)
			e.emitAudit(ctx, AuditEvent{
				EventType: "token.refresh_reuse",
				TenantID:  tenantID,
				Error:     "refresh token replayed; session revoked",
			})
		} else {
			e.metricInc(MetricRefreshFailure)
			if errors.Is(err, keyring.ErrNoActiveKey) {
				e.metricInc(MetricNoActiveKey)
			}
		}
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	return set, nil
}

// Introspect answers RFC 7662 style: unknown, malformed and foreign-tenant
// tokens come back active=false with a nil error.
func (e *Engine) Introspect(ctx context.Context, tenantID, rawToken string) (*token.Introspection, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	e.metricInc(MetricIntrospection)
	return e.issuer.Introspect(ctx, tenantID, rawToken)
}

// RevokeSession revokes the session behind a refresh token family. Access
// tokens already minted stay valid until expiry.
func (e *Engine) RevokeSession(ctx context.Context, tenantID, sessionID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.issuer.Revoke(ctx, tenantID, sessionID); err != nil {
		return err
	}
	e.emitAudit(ctx, AuditEvent{
		EventType: "session.revoked",
		TenantID:  tenantID,
		Success:   true,
		Metadata:  map[string]string{"session_id": sessionID},
	})
	return nil
}

// UserInfoClaims is the payload of the userinfo endpoint for a verified
// access token.
type UserInfoClaims struct {
	Subject       string         `json:"sub"`
	Email         string         `json:"email,omitempty"`
	Name          string         `json:"name,omitempty"`
	EmailVerified bool           `json:"email_verified,omitempty"`
	Extra         map[string]any `json:"-"`
}

// UserInfo verifies the access token against the tenant's keyring and
// resolves the subject through the user directory. Scope gates the claims:
// profile unlocks name, email unlocks the address.
func (e *Engine) UserInfo(ctx context.Context, tenantID, rawToken string) (*UserInfoClaims, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	claims, err := e.issuer.VerifyAccessToken(ctx, tenantID, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	user, err := e.directory.UserByID(ctx, tenantID, claims.Subject)
	if err != nil {
		return nil, err
	}

	info := &UserInfoClaims{Subject: user.ID}
	for _, scope := range strings.Fields(claims.Scope) {
		switch scope {
		case "profile":
			info.Name = user.Name
		case "email":
			info.Email = user.Email
			info.EmailVerified = user.EmailVerified
		}
	}
	if len(user.Claims) > 0 {
		info.Extra = user.Claims
	}
	return info, nil
}

// VerifyAccessToken validates signature, expiry and tenant binding of a
// bearer token without touching the directory.
func (e *Engine) VerifyAccessToken(ctx context.Context, tenantID, rawToken string) (*token.AccessClaims, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	claims, err := e.issuer.VerifyAccessToken(ctx, tenantID, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
