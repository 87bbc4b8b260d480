package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCodeInvalid covers unknown, expired, and already-consumed codes.
	// The distinctions are deliberately collapsed so a caller cannot probe
	// for code existence.
	ErrCodeInvalid = errors.New("invalid authorization code")
	// ErrCodeBackend wraps Redis transport failures.
	ErrCodeBackend = errors.New("authorization code backend unavailable")
)

// CodeRecord is the metadata persisted alongside an authorization code for
// verification at token exchange.
type CodeRecord struct {
	TenantID    string `json:"tenant_id"`
	TenantSlug  string `json:"tenant_slug"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	RedirectURI string `json:"redirect_uri"`
	Scope       string `json:"scope"`

	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	AuthTime            int64  `json:"auth_time,omitempty"`

	ExpiresAt int64 `json:"expires_at"`
}

type codeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func newCodeStore(redisClient redis.UniversalClient, prefix string) *codeStore {
	if prefix == "" {
		prefix = "ac"
	}
	return &codeStore{redis: redisClient, prefix: prefix}
}

func (s *codeStore) key(tenantID, code string) string {
	return s.prefix + ":" + tenantID + ":" + code
}

func (s *codeStore) Save(ctx context.Context, code string, rec *CodeRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(rec.TenantID, code), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCodeBackend, err)
	}
	return nil
}

// Consume atomically fetches and deletes the code. GETDEL makes consumption
// exclusive: of N concurrent exchanges exactly one observes the record.
func (s *codeStore) Consume(ctx context.Context, tenantID, code string) (*CodeRecord, error) {
	data, err := s.redis.GetDel(ctx, s.key(tenantID, code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCodeInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrCodeBackend, err)
	}

	var rec CodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if time.Now().Unix() >= rec.ExpiresAt {
		return nil, ErrCodeInvalid
	}
	return &rec, nil
}
