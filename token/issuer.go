package token

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/tenauth/tenauth/internal"
	"github.com/tenauth/tenauth/keyring"
	"github.com/tenauth/tenauth/pending"
)

var (
	// ErrNotAuthenticated is returned when a code is requested for a
	// request whose subject has not been established yet.
	ErrNotAuthenticated = errors.New("request has no authenticated subject")
	// ErrRedirectMismatch is returned when the redirect URI at exchange
	// differs from the one bound at authorization.
	ErrRedirectMismatch = errors.New("redirect uri mismatch")
	// ErrClientMismatch is returned when the exchanging client is not the
	// client the code was issued to.
	ErrClientMismatch = errors.New("client mismatch")
	// ErrTokenInvalid covers malformed, expired, and badly signed tokens.
	ErrTokenInvalid = errors.New("invalid token")
)

const (
	headerTypAccessToken = "at+jwt"

	defaultCodeTTL    = 5 * time.Minute
	defaultAccessTTL  = 15 * time.Minute
	defaultIDTokenTTL = 5 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
)

// Config tunes token lifetimes and the issuer URL scheme. Zero values fall
// back to defaults.
type Config struct {
	// IssuerBase is the public base URL; per-tenant issuers are derived
	// from it, e.g. https://auth.example.com/t/acme.
	IssuerBase string

	CodeTTL        time.Duration
	AccessTokenTTL time.Duration
	IDTokenTTL     time.Duration
	RefreshTTL     time.Duration

	CodePrefix    string
	SessionPrefix string
}

func (c *Config) applyDefaults() {
	if c.CodeTTL <= 0 {
		c.CodeTTL = defaultCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = defaultAccessTTL
	}
	if c.IDTokenTTL <= 0 {
		c.IDTokenTTL = defaultIDTokenTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = defaultRefreshTTL
	}
}

// AccessClaims is the claim set carried by access tokens.
type AccessClaims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// IDClaims is the claim set carried by ID tokens.
type IDClaims struct {
	Nonce    string `json:"nonce,omitempty"`
	AuthTime int64  `json:"auth_time,omitempty"`
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// IssuedCode is the outcome of a successful authorization: the opaque code
// and the fully assembled redirect the user agent should be sent to.
type IssuedCode struct {
	Code        string
	RedirectURI string
	ExpiresAt   time.Time
}

// TokenSet is the response of a code exchange or refresh.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Introspection is the result of inspecting an access token.
type Introspection struct {
	Active   bool   `json:"active"`
	Subject  string `json:"sub,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	TenantID string `json:"tid,omitempty"`
	ExpireAt int64  `json:"exp,omitempty"`
}

// Issuer mints authorization codes and signs tokens with the tenant's active
// signing key. All signing is EdDSA; the kid header always names a key
// published in the tenant's JWKS.
type Issuer struct {
	keys     *keyring.Store
	codes    *codeStore
	sessions *sessionStore
	config   Config
}

// NewIssuer creates an [Issuer] on top of the given keyring.
func NewIssuer(redisClient redis.UniversalClient, keys *keyring.Store, config Config) *Issuer {
	config.applyDefaults()
	return &Issuer{
		keys:     keys,
		codes:    newCodeStore(redisClient, config.CodePrefix),
		sessions: newSessionStore(redisClient, config.SessionPrefix),
		config:   config,
	}
}

// IssuerURL returns the tenant-scoped issuer identifier.
func (i *Issuer) IssuerURL(tenantSlug string) string {
	return strings.TrimRight(i.config.IssuerBase, "/") + "/t/" + tenantSlug
}

// IssueAuthorizationCode mints a single-use code for a completed
// authorization request and assembles the final redirect carrying the code
// and the client's original state.
func (i *Issuer) IssueAuthorizationCode(ctx context.Context, req *pending.Request) (*IssuedCode, error) {
	if req.UserID == "" {
		return nil, ErrNotAuthenticated
	}

	code, err := internal.NewAuthorizationCode()
	if err != nil {
		return nil, err
	}

	now := time.Now().Truncate(time.Second)
	expiresAt := now.Add(i.config.CodeTTL)

	authTime, _ := req.Signal("auth_time")
	record := &CodeRecord{
		TenantID:            req.TenantID,
		TenantSlug:          req.TenantSlug,
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		AuthTime:            asInt64(authTime),
		ExpiresAt:           expiresAt.Unix(),
	}
	if err := i.codes.Save(ctx, code, record, i.config.CodeTTL); err != nil {
		return nil, err
	}

	redirect, err := buildRedirect(req.RedirectURI, url.Values{
		"code":  {code},
		"state": {req.State},
	})
	if err != nil {
		return nil, err
	}

	return &IssuedCode{Code: code, RedirectURI: redirect, ExpiresAt: expiresAt}, nil
}

// DenialRedirect assembles the error redirect for a denied or failed
// authorization, preserving the client's state.
func (i *Issuer) DenialRedirect(req *pending.Request, oauthError string) (string, error) {
	return buildRedirect(req.RedirectURI, url.Values{
		"error": {oauthError},
		"state": {req.State},
	})
}

// ExchangeCode consumes an authorization code and mints the token set. The
// code is consumed atomically: of N concurrent exchanges exactly one
// succeeds, and a failed exchange never leaves the code alive.
func (i *Issuer) ExchangeCode(
	ctx context.Context,
	tenantID, code, redirectURI, verifier, clientID string,
) (*TokenSet, error) {
	record, err := i.codes.Consume(ctx, tenantID, code)
	if err != nil {
		return nil, err
	}

	if !internal.ConstantTimeEquals(record.ClientID, clientID) {
		return nil, ErrClientMismatch
	}
	if record.RedirectURI != redirectURI {
		return nil, ErrRedirectMismatch
	}
	if err := VerifyPKCE(record.CodeChallenge, record.CodeChallengeMethod, verifier); err != nil {
		return nil, err
	}

	return i.mint(ctx, mintParams{
		TenantID:   record.TenantID,
		TenantSlug: record.TenantSlug,
		Subject:    record.UserID,
		ClientID:   record.ClientID,
		Scope:      record.Scope,
		Nonce:      record.Nonce,
		AuthTime:   record.AuthTime,
	})
}

// SignAccessToken signs an access token with the tenant's active key.
// Fails with [keyring.ErrNoActiveKey] when the tenant cannot sign.
func (i *Issuer) SignAccessToken(ctx context.Context, tenantID, tenantSlug, sub, clientID, scope string) (string, error) {
	now := time.Now().Truncate(time.Second)
	claims := AccessClaims{
		Scope:    scope,
		ClientID: clientID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.IssuerURL(tenantSlug),
			Subject:   sub,
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return i.sign(ctx, tenantID, claims, headerTypAccessToken)
}

// SignIDToken signs an ID token. The nonce claim is present only when the
// client supplied one at authorization.
func (i *Issuer) SignIDToken(ctx context.Context, tenantID, tenantSlug, sub, clientID, nonce string, authTime int64) (string, error) {
	now := time.Now().Truncate(time.Second)
	claims := IDClaims{
		Nonce:    nonce,
		AuthTime: authTime,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.IssuerURL(tenantSlug),
			Subject:   sub,
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.IDTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return i.sign(ctx, tenantID, claims, "JWT")
}

// Refresh rotates the refresh token and mints a fresh token set. A replayed
// refresh token destroys the session and returns [ErrRefreshReuse].
func (i *Issuer) Refresh(ctx context.Context, tenantID, tenantSlug, refreshToken string) (*TokenSet, error) {
	sessionID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	sess, err := i.sessions.RotateRefreshHash(
		ctx,
		tenantID,
		sessionID,
		internal.HashRefreshSecret(secret),
		internal.HashRefreshSecret(nextSecret),
	)
	if err != nil {
		return nil, err
	}

	accessToken, err := i.SignAccessToken(ctx, tenantID, tenantSlug, sess.UserID, sess.ClientID, sess.Scope)
	if err != nil {
		return nil, err
	}

	nextRefresh, err := internal.EncodeRefreshToken(sessionID, nextSecret)
	if err != nil {
		return nil, err
	}

	set := &TokenSet{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(i.config.AccessTokenTTL / time.Second),
		RefreshToken: nextRefresh,
		Scope:        sess.Scope,
	}
	if hasOpenIDScope(sess.Scope) {
		// Refreshed ID tokens carry no nonce; the nonce binds only the
		// original front-channel response.
		idToken, err := i.SignIDToken(ctx, tenantID, tenantSlug, sess.UserID, sess.ClientID, "", sess.AuthTime)
		if err != nil {
			return nil, err
		}
		set.IDToken = idToken
	}
	return set, nil
}

// Introspect reports whether an access token is live. Invalid and expired
// tokens yield active=false, not an error.
func (i *Issuer) Introspect(ctx context.Context, tenantID, token string) (*Introspection, error) {
	claims, err := i.VerifyAccessToken(ctx, tenantID, token)
	if err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			return &Introspection{Active: false}, nil
		}
		return nil, err
	}

	out := &Introspection{
		Active:   true,
		Subject:  claims.Subject,
		ClientID: claims.ClientID,
		Scope:    claims.Scope,
		TenantID: claims.TenantID,
	}
	if claims.ExpiresAt != nil {
		out.ExpireAt = claims.ExpiresAt.Unix()
	}
	return out, nil
}

// Revoke revokes the refresh session. Access tokens already minted stay
// valid until expiry; introspection-driven callers see the revocation via
// the session, not the JWT.
func (i *Issuer) Revoke(ctx context.Context, tenantID, sessionID string) error {
	return i.sessions.Revoke(ctx, tenantID, sessionID)
}

// VerifyAccessToken checks signature, expiry, and tenant binding against the
// tenant's published verifier set.
func (i *Issuer) VerifyAccessToken(ctx context.Context, tenantID, token string) (*AccessClaims, error) {
	verifiers, err := i.keys.VerifierSet(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, errors.New("missing kid header")
		}
		pub, ok := verifiers[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || claims.TenantID != tenantID {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

type mintParams struct {
	TenantID   string
	TenantSlug string
	Subject    string
	ClientID   string
	Scope      string
	Nonce      string
	AuthTime   int64
}

func (i *Issuer) mint(ctx context.Context, p mintParams) (*TokenSet, error) {
	accessToken, err := i.SignAccessToken(ctx, p.TenantID, p.TenantSlug, p.Subject, p.ClientID, p.Scope)
	if err != nil {
		return nil, err
	}

	set := &TokenSet{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.config.AccessTokenTTL / time.Second),
		Scope:       p.Scope,
	}

	if hasOpenIDScope(p.Scope) {
		idToken, err := i.SignIDToken(ctx, p.TenantID, p.TenantSlug, p.Subject, p.ClientID, p.Nonce, p.AuthTime)
		if err != nil {
			return nil, err
		}
		set.IDToken = idToken
	}

	refreshToken, err := i.openSession(ctx, p)
	if err != nil {
		return nil, err
	}
	set.RefreshToken = refreshToken

	return set, nil
}

func (i *Issuer) openSession(ctx context.Context, p mintParams) (string, error) {
	sid, err := internal.NewRequestID()
	if err != nil {
		return "", err
	}
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return "", err
	}

	now := time.Now().Truncate(time.Second)
	sess := &Session{
		ID:          sid.String(),
		TenantID:    p.TenantID,
		UserID:      p.Subject,
		ClientID:    p.ClientID,
		Scope:       p.Scope,
		RefreshHash: encodeHash(internal.HashRefreshSecret(secret)),
		AuthTime:    p.AuthTime,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(i.config.RefreshTTL).Unix(),
	}
	if err := i.sessions.Save(ctx, sess, i.config.RefreshTTL); err != nil {
		return "", err
	}

	return internal.EncodeRefreshToken(sess.ID, secret)
}

func (i *Issuer) sign(ctx context.Context, tenantID string, claims jwt.Claims, typ string) (string, error) {
	kid, priv, err := i.keys.ActiveSigner(ctx, tenantID)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	token.Header["typ"] = typ
	return token.SignedString(priv)
}

func buildRedirect(redirectURI string, params url.Values) (string, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}

	query := parsed.Query()
	for key, values := range params {
		for _, v := range values {
			if v == "" {
				continue
			}
			query.Set(key, v)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func hasOpenIDScope(scope string) bool {
	for _, s := range strings.Fields(scope) {
		if s == "openid" {
			return true
		}
	}
	return false
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
