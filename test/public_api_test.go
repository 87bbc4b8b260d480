package test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/tenauth/tenauth"
	"github.com/tenauth/tenauth/flow"
	"github.com/tenauth/tenauth/middleware"
	"github.com/tenauth/tenauth/token"
)

// This test intentionally guards public API compile-compat for consumers.
func TestPublicAPISurfaceCompile(t *testing.T) {
	_ = tenauth.New

	var _ *tenauth.Engine
	var _ tenauth.Config
	var _ tenauth.AuthorizeParams
	var _ tenauth.AuthorizeResult
	var _ tenauth.ExchangeParams
	var _ tenauth.ConsentDecision
	var _ tenauth.UserDirectory
	var _ tenauth.MagicLinkSender
	var _ tenauth.AuditSink

	var _ error = tenauth.ErrValidation
	var _ error = tenauth.ErrNotFound
	var _ error = tenauth.ErrExpiredRequest
	var _ error = tenauth.ErrStateConflict
	var _ error = tenauth.ErrNoActiveKey
	var _ error = tenauth.ErrAccessDenied
	var _ error = tenauth.ErrInvalidToken

	var _ func(*tenauth.Engine, middleware.TenantResolver) func(http.Handler) http.Handler = middleware.RequireVerified
	var _ func(*tenauth.Engine, middleware.TenantResolver) func(http.Handler) http.Handler = middleware.RequireIntrospected

	var _ func(*tenauth.Engine, context.Context, tenauth.AuthorizeParams) (*tenauth.AuthorizeResult, error) = (*tenauth.Engine).Authorize
	var _ func(*tenauth.Engine, context.Context, string, string, json.RawMessage) (*flow.Outcome, error) = (*tenauth.Engine).ResumeFlow
	var _ func(*tenauth.Engine, context.Context, tenauth.ExchangeParams) (*token.TokenSet, error) = (*tenauth.Engine).ExchangeCode
	var _ func(*tenauth.Engine, context.Context, string, string, string) (*token.TokenSet, error) = (*tenauth.Engine).Refresh
	var _ func(*tenauth.Engine, context.Context, string, string) (*token.Introspection, error) = (*tenauth.Engine).Introspect
	var _ func(*tenauth.Engine, context.Context, string) (*tenauth.JWKSDocument, error) = (*tenauth.Engine).JWKS
}
