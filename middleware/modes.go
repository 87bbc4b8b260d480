package middleware

import (
	"net/http"

	"github.com/tenauth/tenauth"
)

// RequireVerified enforces stateless token verification, no Redis call.
func RequireVerified(engine *tenauth.Engine, resolve TenantResolver) func(http.Handler) http.Handler {
	return Guard(engine, resolve, ModeVerified)
}

// RequireIntrospected enforces verification plus session liveness.
func RequireIntrospected(engine *tenauth.Engine, resolve TenantResolver) func(http.Handler) http.Handler {
	return Guard(engine, resolve, ModeIntrospected)
}
