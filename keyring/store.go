package keyring

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrKeyNotFound is returned when the key does not exist for the tenant.
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrKeyNotStaged is returned when promoting a key that is not staged.
	ErrKeyNotStaged = errors.New("signing key not staged")
	// ErrPromotionConflict is returned when a concurrent promotion won the
	// active slot between the caller's read and its promote attempt.
	ErrPromotionConflict = errors.New("signing key promotion conflict")
	// ErrNoActiveKey is returned when a tenant has no active signing key.
	// Token signing cannot proceed; this is an operational fault.
	ErrNoActiveKey = errors.New("no active signing key")
	// ErrRedisUnavailable wraps Redis transport failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

const (
	promoteStatusNotFound  int64 = 0
	promoteStatusNotStaged int64 = 1
	promoteStatusConflict  int64 = 2
	promoteStatusPromoted  int64 = 3
)

// Promotion executes retire-old + activate-new as one atomic script. The
// caller supplies the active keyID it observed; if the pointer moved in the
// meantime the script refuses and the promote fails with a state conflict
// rather than silently re-ordering rotations.
const promoteScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local rec = cjson.decode(data)
if rec.status ~= "staged" then
  return 1
end

local cur = redis.call("GET", KEYS[2])
if not cur then
  cur = ""
end
if cur ~= ARGV[2] then
  return 2
end

if cur ~= "" then
  local adata = redis.call("GET", KEYS[3])
  if adata then
    local arec = cjson.decode(adata)
    arec.status = "retired"
    arec.not_after = tonumber(ARGV[3])
    redis.call("SET", KEYS[3], cjson.encode(arec))
  end
end

rec.status = "active"
redis.call("SET", KEYS[1], cjson.encode(rec))
redis.call("SET", KEYS[2], ARGV[1])
return 3
`

var promoteLua = redis.NewScript(promoteScript)

// Store is the Redis-backed tenant keyring.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	cipher *keyCipher

	// retirementGrace is how long a retired key stays in the public set
	// past its NotAfter: the longest TTL of any token it may have signed.
	retirementGrace time.Duration
}

// NewStore creates a keyring [Store]. masterKey seals private keys at rest
// and must be 32 bytes; retirementGrace should be at least the maximum
// access-token TTL.
func NewStore(
	redisClient redis.UniversalClient,
	prefix string,
	masterKey []byte,
	retirementGrace time.Duration,
) (*Store, error) {
	if prefix == "" {
		prefix = "tk"
	}
	if retirementGrace <= 0 {
		retirementGrace = time.Hour
	}

	cipher, err := newKeyCipher(masterKey)
	if err != nil {
		return nil, err
	}

	return &Store{
		redis:           redisClient,
		prefix:          prefix,
		cipher:          cipher,
		retirementGrace: retirementGrace,
	}, nil
}

func (s *Store) recordKey(tenantID, keyID string) string {
	return s.prefix + ":" + normalizeTenantID(tenantID) + ":" + keyID
}

func (s *Store) indexKey(tenantID string) string {
	return s.prefix + "i:" + normalizeTenantID(tenantID)
}

func (s *Store) activeKey(tenantID string) string {
	return s.prefix + "a:" + normalizeTenantID(tenantID)
}

func normalizeTenantID(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}

// Stage generates a fresh Ed25519 pair for the tenant and stores it with
// status=staged. The existing active key, if any, is untouched.
func (s *Store) Stage(ctx context.Context, tenantID string) (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	sealed, err := s.cipher.seal(priv)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	id := uuid.NewString()
	key := &SigningKey{
		ID:               id,
		TenantID:         normalizeTenantID(tenantID),
		Kid:              "tk-" + id[:8],
		Status:           StatusStaged,
		PublicJWK:        jwkFromPublic("tk-"+id[:8], pub),
		EncryptedPrivate: sealed,
		NotBefore:        now,
		CreatedAt:        now,
	}

	data, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(tenantID, key.ID), data, 0)
		pipe.SAdd(ctx, s.indexKey(tenantID), key.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return key, nil
}

// Promote atomically retires the current active key (setting NotAfter=now)
// and activates the staged target. Exactly one of N concurrent promotes for
// a tenant succeeds; the rest fail with [ErrPromotionConflict].
func (s *Store) Promote(ctx context.Context, tenantID, keyID string) error {
	currentID, err := s.activeID(ctx, tenantID)
	if err != nil {
		return err
	}
	return s.promoteFrom(ctx, tenantID, keyID, currentID)
}

func (s *Store) promoteFrom(ctx context.Context, tenantID, keyID, currentID string) error {
	activeRecord := s.recordKey(tenantID, keyID)
	if currentID != "" {
		activeRecord = s.recordKey(tenantID, currentID)
	}

	status, err := promoteLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(tenantID, keyID), s.activeKey(tenantID), activeRecord},
		keyID,
		currentID,
		time.Now().Unix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch status {
	case promoteStatusNotFound:
		return ErrKeyNotFound
	case promoteStatusNotStaged:
		return ErrKeyNotStaged
	case promoteStatusConflict:
		return ErrPromotionConflict
	case promoteStatusPromoted:
		return nil
	default:
		return fmt.Errorf("%w: unknown promote script status %d", ErrRedisUnavailable, status)
	}
}

// Rotate stages a fresh key and immediately promotes it. Used for unattended
// rotation; the promote inherits the same atomicity guarantee.
func (s *Store) Rotate(ctx context.Context, tenantID string) (*SigningKey, error) {
	key, err := s.Stage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := s.Promote(ctx, tenantID, key.ID); err != nil {
		return nil, err
	}

	key.Status = StatusActive
	return key, nil
}

// Active returns the tenant's active signing key, or [ErrNoActiveKey].
func (s *Store) Active(ctx context.Context, tenantID string) (*SigningKey, error) {
	id, err := s.activeID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrNoActiveKey
	}

	key, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if key.Status != StatusActive {
		// Pointer and record disagree only transiently during promotion;
		// readers must not observe the intermediate state as active.
		return nil, ErrNoActiveKey
	}
	return key, nil
}

// ActiveSigner returns the kid and decrypted Ed25519 private key of the
// active key.
func (s *Store) ActiveSigner(ctx context.Context, tenantID string) (string, ed25519.PrivateKey, error) {
	key, err := s.Active(ctx, tenantID)
	if err != nil {
		return "", nil, err
	}

	raw, err := s.cipher.open(key.EncryptedPrivate)
	if err != nil {
		return "", nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return "", nil, errors.New("invalid sealed private key size")
	}

	return key.Kid, ed25519.PrivateKey(raw), nil
}

// Get fetches one key record scoped to the tenant.
func (s *Store) Get(ctx context.Context, tenantID, keyID string) (*SigningKey, error) {
	data, err := s.redis.Get(ctx, s.recordKey(tenantID, keyID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var key SigningKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// List returns every key record for the tenant, newest first.
func (s *Store) List(ctx context.Context, tenantID string) ([]*SigningKey, error) {
	ids, err := s.redis.SMembers(ctx, s.indexKey(tenantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*SigningKey{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []*SigningKey{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.recordKey(tenantID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	keys := make([]*SigningKey, 0, len(ids))
	for _, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}

		var key SigningKey
		if err := json.Unmarshal(data, &key); err != nil {
			return nil, err
		}
		keys = append(keys, &key)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt > keys[j].CreatedAt })
	return keys, nil
}

// PublicSet returns the public JWKs trusted for verification: the active key
// plus retired keys still inside their grace window. Staged keys are
// excluded until promoted.
func (s *Store) PublicSet(ctx context.Context, tenantID string) ([]JWK, error) {
	keys, err := s.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	set := make([]JWK, 0, len(keys))
	for _, key := range keys {
		switch key.Status {
		case StatusActive:
			set = append(set, key.PublicJWK)
		case StatusRetired:
			if key.NotAfter > 0 && now.Before(time.Unix(key.NotAfter, 0).Add(s.retirementGrace)) {
				set = append(set, key.PublicJWK)
			}
		}
	}

	return set, nil
}

// VerifierSet returns kid → public key for every JWK in the public set.
func (s *Store) VerifierSet(ctx context.Context, tenantID string) (map[string]ed25519.PublicKey, error) {
	keys, err := s.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	verifiers := make(map[string]ed25519.PublicKey, len(keys))
	for _, key := range keys {
		switch key.Status {
		case StatusActive:
		case StatusRetired:
			if key.NotAfter <= 0 || !now.Before(time.Unix(key.NotAfter, 0).Add(s.retirementGrace)) {
				continue
			}
		default:
			continue
		}

		pub, err := key.PublicKey()
		if err != nil {
			return nil, err
		}
		verifiers[key.Kid] = pub
	}

	return verifiers, nil
}

func (s *Store) activeID(ctx context.Context, tenantID string) (string, error) {
	id, err := s.redis.Get(ctx, s.activeKey(tenantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return id, nil
}
