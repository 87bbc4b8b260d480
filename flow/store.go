package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrFlowNotFound is returned for unknown flows and for triggers with
	// no enabled flow bound.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrPromptNotFound is returned for unknown prompt references.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrStoreUnavailable wraps Redis transport failures.
	ErrStoreUnavailable = errors.New("flow store unavailable")
)

// Store persists flow and prompt definitions per tenant. Definitions are
// validated on write; reads hand back graphs the interpreter can trust.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a flow [Store]. An empty prefix defaults to "fl".
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "fl"
	}
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) flowKey(tenantID, flowID string) string {
	return s.prefix + ":" + tenantID + ":" + flowID
}

func (s *Store) triggerKey(tenantID string, trigger Trigger) string {
	return s.prefix + "t:" + tenantID + ":" + string(trigger)
}

func (s *Store) promptKey(tenantID, promptID string) string {
	return s.prefix + "p:" + tenantID + ":" + promptID
}

// SaveFlow validates and stores a flow. An enabled flow becomes the one flow
// bound to its trigger; saving a disabled flow releases the binding if it
// held it. An empty ID gets one allocated.
func (s *Store) SaveFlow(ctx context.Context, f *Flow) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = StatusEnabled
	}

	err := ValidateFlow(f, func(promptID string) bool {
		n, err := s.redis.Exists(ctx, s.promptKey(f.TenantID, promptID)).Result()
		return err == nil && n == 1
	})
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.flowKey(f.TenantID, f.ID), data, 0)
		if f.Status == StatusEnabled {
			pipe.Set(ctx, s.triggerKey(f.TenantID, f.Trigger), f.ID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if f.Status == StatusDisabled {
		if err := s.releaseTrigger(ctx, f.TenantID, f.Trigger, f.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) releaseTrigger(ctx context.Context, tenantID string, trigger Trigger, flowID string) error {
	key := s.triggerKey(tenantID, trigger)
	bound, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if bound != flowID {
		return nil
	}
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetFlow fetches one flow scoped to the tenant.
func (s *Store) GetFlow(ctx context.Context, tenantID, flowID string) (*Flow, error) {
	data, err := s.redis.Get(ctx, s.flowKey(tenantID, flowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFlowNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ByTrigger resolves the enabled flow bound to a trigger.
func (s *Store) ByTrigger(ctx context.Context, tenantID string, trigger Trigger) (*Flow, error) {
	flowID, err := s.redis.Get(ctx, s.triggerKey(tenantID, trigger)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFlowNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	f, err := s.GetFlow(ctx, tenantID, flowID)
	if err != nil {
		return nil, err
	}
	if f.Status != StatusEnabled {
		return nil, ErrFlowNotFound
	}
	return f, nil
}

// DeleteFlow removes the flow and its trigger binding.
func (s *Store) DeleteFlow(ctx context.Context, tenantID, flowID string) error {
	f, err := s.GetFlow(ctx, tenantID, flowID)
	if err != nil {
		return err
	}
	if err := s.redis.Del(ctx, s.flowKey(tenantID, flowID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.releaseTrigger(ctx, tenantID, f.Trigger, flowID)
}

// SavePrompt validates and stores a prompt definition.
func (s *Store) SavePrompt(ctx context.Context, p *Prompt) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := ValidatePrompt(p); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.promptKey(p.TenantID, p.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetPrompt fetches one prompt scoped to the tenant.
func (s *Store) GetPrompt(ctx context.Context, tenantID, promptID string) (*Prompt, error) {
	data, err := s.redis.Get(ctx, s.promptKey(tenantID, promptID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPromptNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var p Prompt
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
