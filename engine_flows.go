package tenauth

import (
	"context"

	"github.com/tenauth/tenauth/flow"
)

// SaveFlow validates and stores a flow definition. An enabled flow claims
// its trigger for the tenant; disabling releases it. Validation failures
// satisfy [ErrValidation].
func (e *Engine) SaveFlow(ctx context.Context, f *flow.Flow) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.flowStore.SaveFlow(ctx, f); err != nil {
		return err
	}
	e.emitAudit(ctx, AuditEvent{
		EventType: "flow.saved",
		TenantID:  f.TenantID,
		Success:   true,
		Metadata:  map[string]string{"flow_id": f.ID, "trigger": string(f.Trigger)},
	})
	return nil
}

// GetFlow returns the stored definition regardless of enabled state.
func (e *Engine) GetFlow(ctx context.Context, tenantID, flowID string) (*flow.Flow, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return e.flowStore.GetFlow(ctx, tenantID, flowID)
}

// DeleteFlow removes a flow and releases its trigger binding. Runs already
// in flight keep their captured definition and finish undisturbed.
func (e *Engine) DeleteFlow(ctx context.Context, tenantID, flowID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.flowStore.DeleteFlow(ctx, tenantID, flowID); err != nil {
		return err
	}
	e.emitAudit(ctx, AuditEvent{
		EventType: "flow.deleted",
		TenantID:  tenantID,
		Success:   true,
		Metadata:  map[string]string{"flow_id": flowID},
	})
	return nil
}

// SavePrompt validates and stores a UI prompt definition for prompt_ui
// nodes to reference.
func (e *Engine) SavePrompt(ctx context.Context, p *flow.Prompt) error {
	if e == nil {
		return ErrEngineNotReady
	}
	return e.flowStore.SavePrompt(ctx, p)
}

// GetPrompt returns a stored prompt definition.
func (e *Engine) GetPrompt(ctx context.Context, tenantID, promptID string) (*flow.Prompt, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return e.flowStore.GetPrompt(ctx, tenantID, promptID)
}
