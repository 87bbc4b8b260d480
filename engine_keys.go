package tenauth

import (
	"context"
	"errors"

	"github.com/tenauth/tenauth/keyring"
)

// StageKey generates a new Ed25519 key for the tenant in staged state. It
// signs nothing and stays out of the JWKS until promoted.
func (e *Engine) StageKey(ctx context.Context, tenantID string) (*keyring.SigningKey, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	key, err := e.keys.Stage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricKeyStaged)
	e.emitAudit(ctx, AuditEvent{
		EventType: "key.staged",
		TenantID:  tenantID,
		Success:   true,
		Metadata:  map[string]string{"kid": key.Kid},
	})
	return key, nil
}

// PromoteKey makes a staged key the tenant's active signer. The previous
// active key keeps verifying until its retirement grace elapses. Concurrent
// promotions race; exactly one wins.
func (e *Engine) PromoteKey(ctx context.Context, tenantID, keyID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.keys.Promote(ctx, tenantID, keyID); err != nil {
		if errors.Is(err, keyring.ErrPromotionConflict) {
			e.metricInc(MetricKeyPromotionConflict)
		}
		return err
	}
	e.metricInc(MetricKeyPromoted)
	e.emitAudit(ctx, AuditEvent{
		EventType: "key.promoted",
		TenantID:  tenantID,
		Success:   true,
		Metadata:  map[string]string{"key_id": keyID},
	})
	return nil
}

// RotateKey stages and immediately promotes a fresh key.
func (e *Engine) RotateKey(ctx context.Context, tenantID string) (*keyring.SigningKey, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	key, err := e.keys.Rotate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricKeyStaged)
	e.metricInc(MetricKeyPromoted)
	e.emitAudit(ctx, AuditEvent{
		EventType: "key.rotated",
		TenantID:  tenantID,
		Success:   true,
		Metadata:  map[string]string{"kid": key.Kid},
	})
	return key, nil
}

// ListKeys returns every key the tenant still holds, including retired ones
// inside their verification grace.
func (e *Engine) ListKeys(ctx context.Context, tenantID string) ([]*keyring.SigningKey, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return e.keys.List(ctx, tenantID)
}

// JWKSDocument is the serialized public key set plus a strong ETag derived
// from its content, for conditional GET handling at the host's JWKS
// endpoint.
type JWKSDocument struct {
	Body []byte
	ETag string
}

// JWKS renders the tenant's public key set: the active key plus retired keys
// still inside their verification grace. Staged keys are excluded.
func (e *Engine) JWKS(ctx context.Context, tenantID string) (*JWKSDocument, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	set, err := e.keys.PublicSet(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	body, etag, err := keyring.MarshalJWKS(set)
	if err != nil {
		return nil, err
	}
	return &JWKSDocument{Body: body, ETag: etag}, nil
}
