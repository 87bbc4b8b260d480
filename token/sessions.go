package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionRevoked is returned when the session was revoked by a
	// tenant admin.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrRefreshReuse signals that a stale refresh token was replayed. The
	// session is destroyed as a defensive response.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrSessionBackend wraps Redis transport failures.
	ErrSessionBackend = errors.New("session backend unavailable")
)

// Session is the server-side record a refresh token is bound to.
type Session struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`

	RefreshHash string `json:"refresh_hash"`
	Revoked     bool   `json:"revoked"`
	AuthTime    int64  `json:"auth_time,omitempty"`

	CreatedAt int64 `json:"created_at"`
	ExpiresAt int64 `json:"expires_at"`
}

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRevoked  int64 = 1
	rotateStatusExpired  int64 = 2
	rotateStatusMismatch int64 = 3
	rotateStatusRotated  int64 = 4
)

// Refresh-hash rotation is a Lua CAS so replayed refresh tokens are detected
// and concurrent refreshes cannot both succeed with the same secret.
const rotateSessionScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end
local rec = cjson.decode(data)
if rec.revoked then
  return {1}
end
if tonumber(rec.expires_at) <= tonumber(ARGV[3]) then
  redis.call("DEL", KEYS[1])
  return {2}
end
if rec.refresh_hash ~= ARGV[1] then
  redis.call("DEL", KEYS[1])
  return {3}
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  redis.call("DEL", KEYS[1])
  return {2}
end
rec.refresh_hash = ARGV[2]
local updated = cjson.encode(rec)
redis.call("SET", KEYS[1], updated, "PX", ttl)
return {4, updated}
`

var rotateSessionLua = redis.NewScript(rotateSessionScript)

type sessionStore struct {
	redis  redis.UniversalClient
	prefix string
}

func newSessionStore(redisClient redis.UniversalClient, prefix string) *sessionStore {
	if prefix == "" {
		prefix = "ts"
	}
	return &sessionStore{redis: redisClient, prefix: prefix}
}

func (s *sessionStore) key(tenantID, sessionID string) string {
	return s.prefix + ":" + tenantID + ":" + sessionID
}

func (s *sessionStore) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(sess.TenantID, sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionBackend, err)
	}
	return nil
}

func (s *sessionStore) Get(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(tenantID, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionBackend, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	if time.Now().Unix() >= sess.ExpiresAt {
		_ = s.redis.Del(ctx, s.key(tenantID, sessionID)).Err()
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

// RotateRefreshHash swaps the stored refresh hash if and only if the
// provided hash matches. A mismatch destroys the session (replay response).
func (s *sessionStore) RotateRefreshHash(
	ctx context.Context,
	tenantID, sessionID string,
	providedHash, nextHash [32]byte,
) (*Session, error) {
	result, err := rotateSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(tenantID, sessionID)},
		base64.RawStdEncoding.EncodeToString(providedHash[:]),
		base64.RawStdEncoding.EncodeToString(nextHash[:]),
		time.Now().Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionBackend, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrSessionBackend)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrSessionBackend)
	}

	switch code {
	case rotateStatusNotFound, rotateStatusExpired:
		return nil, ErrSessionNotFound
	case rotateStatusRevoked:
		return nil, ErrSessionRevoked
	case rotateStatusMismatch:
		return nil, ErrRefreshReuse
	case rotateStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing rotated session payload", ErrSessionBackend)
		}
		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid rotated session payload", ErrSessionBackend)
		}

		var sess Session
		if err := json.Unmarshal(blob, &sess); err != nil {
			return nil, err
		}
		return &sess, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status %d", ErrSessionBackend, code)
	}
}

// Revoke marks the session revoked in place, preserving its TTL so the
// record outlives any refresh token still in the wild.
func (s *sessionStore) Revoke(ctx context.Context, tenantID, sessionID string) error {
	key := s.key(tenantID, sessionID)

	const maxRetries = 4
	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			var sess Session
			if err := json.Unmarshal(data, &sess); err != nil {
				return err
			}
			sess.Revoked = true

			updated, err := json.Marshal(&sess)
			if err != nil {
				return err
			}

			ttl := time.Until(time.Unix(sess.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("%w: %v", ErrSessionBackend, err)
		}
		return nil
	}

	return fmt.Errorf("%w: revoke retries exhausted", ErrSessionBackend)
}

func encodeHash(h [32]byte) string {
	return base64.RawStdEncoding.EncodeToString(h[:])
}
