package token

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tenauth/tenauth/internal"
	"github.com/tenauth/tenauth/keyring"
	"github.com/tenauth/tenauth/pending"
)

const (
	testTenantID = "tenant-1"
	testSlug     = "acme"
)

func newTestIssuer(t *testing.T) (*Issuer, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i)
	}
	keys, err := keyring.NewStore(rdb, "tk", masterKey, time.Hour)
	if err != nil {
		t.Fatalf("new keyring store failed: %v", err)
	}
	if _, err := keys.Rotate(context.Background(), testTenantID); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	issuer := NewIssuer(rdb, keys, Config{IssuerBase: "https://auth.example.com"})

	return issuer, mr, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func newPendingRequest(verifier string) *pending.Request {
	now := time.Now().Unix()
	return &pending.Request{
		RID:                 "rid-1",
		TenantID:            testTenantID,
		TenantSlug:          testSlug,
		ClientID:            "client-1",
		RedirectURI:         "https://app.example.com/callback",
		Scope:               "openid profile",
		State:               "xyz",
		Nonce:               "n0nce",
		CodeChallenge:       internal.PKCEChallengeS256(verifier),
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              "user-1",
		Version:             3,
		CreatedAt:           now,
		ExpiresAt:           now + 600,
	}
}

func TestIssueAndExchangeCode(t *testing.T) {
	issuer, _, cleanup := newTestIssuer(t)
	defer cleanup()
	ctx := context.Background()

	const verifier = "correct-horse-battery-staple-verifier"
	req := newPendingRequest(verifier)

	issued, err := issuer.IssueAuthorizationCode(ctx, req)
	if err != nil {
		t.Fatalf("issue code failed: %v", err)
	}

	redirect, err := url.Parse(issued.RedirectURI)
	if err != nil {
		t.Fatalf("redirect unparseable: %v", err)
	}
	if got := redirect.Query().Get("code"); got != issued.Code {
		t.Fatalf("redirect code = %q, want %q", got, issued.Code)
	}
	if got := redirect.Query().Get("state"); got != "xyz" {
		t.Fatalf("redirect state = %q, want xyz", got)
	}

	set, err := issuer.ExchangeCode(ctx, testTenantID, issued.Code, req.RedirectURI, verifier, req.ClientID)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if set.AccessToken == "" || set.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}
	if set.IDToken == "" {
		t.Fatal("expected id token for openid scope")
	}
	if set.TokenType != "Bearer" {
		t.Fatalf("token type = %q", set.TokenType)
	}

	claims, err := issuer.VerifyAccessToken(ctx, testTenantID, set.AccessToken)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("sub = %q", claims.Subject)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "client-1" {
		t.Fatalf("aud = %v", claims.Audience)
	}
	if claims.Scope != "openid profile" {
		t.Fatalf("scope = %q", claims.Scope)
	}
	if claims.TenantID != testTenantID {
		t.Fatalf("tid = %q", claims.TenantID)
	}
	if claims.Issuer != "https://auth.example.com/t/acme" {
		t.Fatalf("iss = %q", claims.Issuer)
	}
	if claims.IssuedAt.Nanosecond() != 0 || claims.ExpiresAt.Nanosecond() != 0 {
		t.Fatal("timestamps must be epoch-second truncated")
	}
}

func TestExchangeCodeSingleUse(t *testing.T) {
	issuer, _, cleanup := newTestIssuer(t)
	defer cleanup()
	ctx := context.Background()

	const verifier = "single-use-verifier-with-enough-entropy"
	req := newPendingRequest(verifier)

	issued, err := issuer.IssueAuthorizationCode(ctx, req)
	if err != nil {
		t.Fatalf("issue code failed: %v", err)
	}

	const attempts = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		failures int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := issuer.ExchangeCode(ctx, testTenantID, issued.Code, req.RedirectURI, verifier, req.ClientID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			if errors.Is(err, ErrCodeInvalid) {
				failures++
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if failures != attempts-1 {
		t.Fatalf("invalid-code failures = %d, want %d", failures, attempts-1)
	}
}

func TestExchangeRejectsMismatches(t *testing.T) {
	issuer, _, cleanup := newTestIssuer(t)
	defer cleanup()
	ctx := context.Background()

	const verifier = "mismatch-scenarios-verifier-0123456789"

	t.Run("redirect mismatch", func(t *testing.T) {
		req := newPendingRequest(verifier)
		issued, err := issuer.IssueAuthorizationCode(ctx, req)
		if err != nil {
			t.Fatalf("issue failed: %v", err)
		}
		_, err = issuer.ExchangeCode(ctx, testTenantID, issued.Code, "https://evil.example.com/cb", verifier, req.ClientID)
		if !errors.Is(err, ErrRedirectMismatch) {
			t.Fatalf("err = %v, want ErrRedirectMismatch", err)
		}
	})

	t.Run("client mismatch", func(t *testing.T) {
		req := newPendingRequest(verifier)
		issued, err := issuer.IssueAuthorizationCode(ctx, req)
		if err != nil {
			t.Fatalf("issue failed: %v", err)
		}
		_, err = issuer.ExchangeCode(ctx, testTenantID, issued.Code, req.RedirectURI, verifier, "client-2")
		if !errors.Is(err, ErrClientMismatch) {
			t.Fatalf("err = %v, want ErrClientMismatch", err)
		}
	})

	t.Run("pkce failure consumes the code", func(t *testing.T) {
		req := newPendingRequest(verifier)
		issued, err := issuer.IssueAuthorizationCode(ctx, req)
		if err != nil {
			t.Fatalf("issue failed: %v", err)
		}
		_, err = issuer.ExchangeCode(ctx, testTenantID, issued.Code, req.RedirectURI, "wrong-verifier", req.ClientID)
		if !errors.Is(err, ErrPKCEVerification) {
			t.Fatalf("err = %v, want ErrPKCEVerification", err)
		}

		// The failed attempt consumed the code; the right verifier is
		// too late now.
		_, err = issuer.ExchangeCode(ctx, testTenantID, issued.Code, req.RedirectURI, verifier, req.ClientID)
		if !errors.Is(err, ErrCodeInvalid) {
			t.Fatalf("err = %v, want ErrCodeInvalid", err)
		}
	})
}

func TestExpiredCodeRejected(t *testing.T) {
	issuer, mr, cleanup := newTestIssuer(t)
	defer cleanup()
	ctx := context.Background()

	const verifier = "expired-code-verifier-padded-to-length"
	req := newPendingRequest(verifier)

	issued, err := issuer.IssueAuthorizationCode(ctx, req)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	mr.FastForward(6 * time.Minute)

	_, err = issuer.ExchangeCode(ctx, testTenantID, issued.Code, req.RedirectURI, verifier, req.ClientID)
	if !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("err = %v, want ErrCodeInvalid", err)
	}
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	issuer, _, cleanup := newTestIssuer(t)
	defer cleanup()
	ctx := context.Background()

	const verifier = "refresh-rotation-verifier-padded-long"
	req := newPendingRequest(verifier)
	issued, err := issuer.IssueAuthorizationCode(ctx, req)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	set, err := issuer.ExchangeCode(ctx, testTenantID, issued.Code, req.RedirectURI, verifier, req.ClientID)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	refreshed, err := issuer.Refresh(ctx, testTenantID, testSlug, set.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.RefreshToken == set.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if refreshed.IDToken == "" {
		t.Fatal("openid session must refresh the id token")
	}

	// Replaying the superseded token is treated as theft: the whole
	// session goes away.
	if _, err := issuer.Refresh(ctx, testTenantID, testSlug, set.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("err = %v, want ErrRefreshReuse", err)
	}
	if _, err := issuer.Refresh(ctx, testTenantID, testSlug, refreshed.RefreshToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound after reuse teardown", err)
	}
}

func TestRevokedSessionRefusesRefresh(t *testing.T) {
	issuer, _, cleanup := newTestIssuer(t)
	defer cleanup()
	ctx := context.Background()

	const verifier = "revoked-session-verifier-padded-long"
	req := newPendingRequest(verifier)
	issued, err := issuer.IssueAuthorizationCode(ctx, req)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	set, err := issuer.ExchangeCode(ctx, testTenantID, issued.Code, req.RedirectURI, verifier, req.ClientID)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	sessionID, _, err := internal.DecodeRefreshToken(set.RefreshToken)
	if err != nil {
		t.Fatalf("decode refresh failed: %v", err)
	}
	if err := issuer.Revoke(ctx, testTenantID, sessionID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	if _, err := issuer.Refresh(ctx, testTenantID, testSlug, set.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("err = %v, want ErrSessionRevoked", err)
	}
}

func TestSignWithoutActiveKeyFails(t *testing.T) {
	issuer, _, cleanup := newTestIssuer(t)
	defer cleanup()
	ctx := context.Background()

	_, err := issuer.SignAccessToken(ctx, "tenant-without-keys", "other", "user-1", "client-1", "openid")
	if !errors.Is(err, keyring.ErrNoActiveKey) {
		t.Fatalf("err = %v, want ErrNoActiveKey", err)
	}
}

func TestIssueCodeRequiresSubject(t *testing.T) {
	issuer, _, cleanup := newTestIssuer(t)
	defer cleanup()

	req := newPendingRequest("any-verifier-padded-out-to-min-length")
	req.UserID = ""

	if _, err := issuer.IssueAuthorizationCode(context.Background(), req); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestIntrospect(t *testing.T) {
	issuer, _, cleanup := newTestIssuer(t)
	defer cleanup()
	ctx := context.Background()

	token, err := issuer.SignAccessToken(ctx, testTenantID, testSlug, "user-1", "client-1", "openid")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	live, err := issuer.Introspect(ctx, testTenantID, token)
	if err != nil {
		t.Fatalf("introspect failed: %v", err)
	}
	if !live.Active || live.Subject != "user-1" || live.TenantID != testTenantID {
		t.Fatalf("unexpected introspection: %+v", live)
	}
	if live.ExpireAt == 0 {
		t.Fatal("expected exp in introspection")
	}

	dead, err := issuer.Introspect(ctx, testTenantID, "not.a.token")
	if err != nil {
		t.Fatalf("introspect of garbage errored: %v", err)
	}
	if dead.Active {
		t.Fatal("garbage token must introspect inactive")
	}

	// A token signed for one tenant is inactive everywhere else.
	if _, err := issuer.keys.Rotate(ctx, "tenant-2"); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	crossTenant, err := issuer.Introspect(ctx, "tenant-2", token)
	if err != nil {
		t.Fatalf("cross-tenant introspect errored: %v", err)
	}
	if crossTenant.Active {
		t.Fatal("token must not be active under a foreign tenant")
	}
}

func TestDenialRedirectPreservesState(t *testing.T) {
	issuer, _, cleanup := newTestIssuer(t)
	defer cleanup()

	req := newPendingRequest("denial-verifier-padded-out-to-length")
	redirect, err := issuer.DenialRedirect(req, "access_denied")
	if err != nil {
		t.Fatalf("denial redirect failed: %v", err)
	}

	parsed, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("redirect unparseable: %v", err)
	}
	if got := parsed.Query().Get("error"); got != "access_denied" {
		t.Fatalf("error = %q", got)
	}
	if got := parsed.Query().Get("state"); got != "xyz" {
		t.Fatalf("state = %q", got)
	}
	if parsed.Query().Get("code") != "" {
		t.Fatal("denial redirect must not carry a code")
	}
	if !strings.HasPrefix(redirect, "https://app.example.com/callback") {
		t.Fatalf("redirect base altered: %q", redirect)
	}
}
