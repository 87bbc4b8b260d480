package tenauth

import (
	"errors"

	"github.com/tenauth/tenauth/flow"
	"github.com/tenauth/tenauth/keyring"
	"github.com/tenauth/tenauth/pending"
	"github.com/tenauth/tenauth/token"
)

var (
	// ErrEngineNotReady is returned when the engine is used before Build
	// or after Close.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrValidation covers malformed or missing request parameters.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound covers unknown tenants, clients, keys, flows, and prompts.
	ErrNotFound = errors.New("not found")
	// ErrExpiredRequest is the uniform answer for absent and expired
	// pending requests; callers cannot distinguish the two.
	ErrExpiredRequest = errors.New("expired_request")
	// ErrStateConflict covers logic errors that are never retried:
	// promoting a non-staged key, reusing a consumed code, resuming a
	// consumed suspension.
	ErrStateConflict = errors.New("state conflict")
	// ErrNoActiveKey means the tenant cannot sign tokens. Operational
	// misconfiguration; must be observable, never skipped.
	ErrNoActiveKey = errors.New("no active signing key")
	// ErrUpstreamUnavailable means the distributed store or bus is
	// unreachable where no local fallback is defined.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrAccessDenied is the terminal outcome of a denied flow or a
	// failed verifier.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidToken covers malformed, expired, and revoked tokens at
	// the exchange/refresh/introspection surface.
	ErrInvalidToken = errors.New("invalid_token")
)

// ErrorKind buckets an error for a transport boundary.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindExpired
	KindConflict
	KindDenied
	KindUnavailable
)

// Kind maps any error returned by the engine onto the boundary taxonomy.
// Unknown errors are internal (5xx).
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrValidation), errors.Is(err, flow.ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound),
		errors.Is(err, keyring.ErrKeyNotFound),
		errors.Is(err, flow.ErrFlowNotFound),
		errors.Is(err, flow.ErrPromptNotFound):
		return KindNotFound
	case errors.Is(err, ErrExpiredRequest),
		errors.Is(err, pending.ErrRequestGone),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, token.ErrCodeInvalid),
		errors.Is(err, token.ErrTokenInvalid),
		errors.Is(err, token.ErrSessionNotFound):
		return KindExpired
	case errors.Is(err, ErrStateConflict),
		errors.Is(err, keyring.ErrKeyNotStaged),
		errors.Is(err, keyring.ErrPromotionConflict),
		errors.Is(err, flow.ErrResumeConflict),
		errors.Is(err, flow.ErrDelayNotElapsed),
		errors.Is(err, pending.ErrVersionConflict),
		errors.Is(err, token.ErrRefreshReuse):
		return KindConflict
	case errors.Is(err, ErrAccessDenied),
		errors.Is(err, token.ErrPKCEVerification),
		errors.Is(err, token.ErrClientMismatch),
		errors.Is(err, token.ErrRedirectMismatch),
		errors.Is(err, token.ErrSessionRevoked):
		return KindDenied
	case errors.Is(err, ErrNoActiveKey),
		errors.Is(err, keyring.ErrNoActiveKey),
		errors.Is(err, ErrUpstreamUnavailable),
		errors.Is(err, keyring.ErrRedisUnavailable),
		errors.Is(err, pending.ErrBackendUnavailable),
		errors.Is(err, flow.ErrStoreUnavailable),
		errors.Is(err, token.ErrCodeBackend),
		errors.Is(err, token.ErrSessionBackend):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// HTTPStatus suggests a status code for an error kind. Transport layers
// remain free to override.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindExpired:
		return 410
	case KindConflict:
		return 409
	case KindDenied:
		return 403
	case KindUnavailable:
		return 503
	default:
		return 500
	}
}
