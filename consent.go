package tenauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConsentGrant is a remembered approval of a client's scopes by a user.
type ConsentGrant struct {
	TenantID  string   `json:"tenant_id"`
	UserID    string   `json:"user_id"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	GrantedAt int64    `json:"granted_at"`
}

type consentStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func newConsentStore(redisClient redis.UniversalClient, cfg ConsentConfig) *consentStore {
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "cs"
	}
	return &consentStore{redis: redisClient, prefix: prefix, ttl: cfg.TTL}
}

func (s *consentStore) key(tenantID, userID, clientID string) string {
	return s.prefix + ":" + tenantID + ":" + userID + ":" + clientID
}

// Upsert records a grant, merging scopes with any prior grant so a narrower
// later approval never revokes an earlier broader one.
func (s *consentStore) Upsert(ctx context.Context, grant *ConsentGrant) error {
	key := s.key(grant.TenantID, grant.UserID, grant.ClientID)

	existing, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		grant.Scopes = mergeScopes(existing.Scopes, grant.Scopes)
	}
	if grant.GrantedAt == 0 {
		grant.GrantedAt = time.Now().Unix()
	}

	data, err := json.Marshal(grant)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}

// Covers reports whether a remembered grant already covers every requested
// scope.
func (s *consentStore) Covers(ctx context.Context, tenantID, userID, clientID string, scopes []string) (bool, error) {
	grant, err := s.get(ctx, s.key(tenantID, userID, clientID))
	if err != nil {
		return false, err
	}
	if grant == nil {
		return false, nil
	}

	granted := make(map[string]struct{}, len(grant.Scopes))
	for _, sc := range grant.Scopes {
		granted[sc] = struct{}{}
	}
	for _, sc := range scopes {
		if _, ok := granted[sc]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// Revoke forgets a grant. Idempotent.
func (s *consentStore) Revoke(ctx context.Context, tenantID, userID, clientID string) error {
	if err := s.redis.Del(ctx, s.key(tenantID, userID, clientID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}

func (s *consentStore) get(ctx context.Context, key string) (*ConsentGrant, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	var grant ConsentGrant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

func mergeScopes(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, sc := range list {
			if _, dup := seen[sc]; dup {
				continue
			}
			seen[sc] = struct{}{}
			out = append(out, sc)
		}
	}
	return out
}
