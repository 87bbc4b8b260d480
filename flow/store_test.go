package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return NewStore(rdb, "fl"), func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestSaveFlowBindsTrigger(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	p := &Prompt{TenantID: testTenantID, Title: "Sign in", TimeoutSec: 60}
	if err := store.SavePrompt(ctx, p); err != nil {
		t.Fatalf("save prompt failed: %v", err)
	}

	f := &Flow{
		TenantID: testTenantID,
		Name:     "signin",
		Trigger:  TriggerSignin,
		Nodes:    validNodes(p.ID),
	}
	if err := store.SaveFlow(ctx, f); err != nil {
		t.Fatalf("save flow failed: %v", err)
	}
	if f.ID == "" {
		t.Fatal("flow id not allocated")
	}

	bound, err := store.ByTrigger(ctx, testTenantID, TriggerSignin)
	if err != nil {
		t.Fatalf("by trigger failed: %v", err)
	}
	if bound.ID != f.ID {
		t.Fatalf("bound flow = %q, want %q", bound.ID, f.ID)
	}

	// Foreign tenants never see the binding.
	if _, err := store.ByTrigger(ctx, "tenant-2", TriggerSignin); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("err = %v, want ErrFlowNotFound", err)
	}
}

func TestSaveFlowRejectsInvalidDefinition(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	f := &Flow{
		TenantID: testTenantID,
		Name:     "signin",
		Trigger:  TriggerSignin,
		Nodes: []Node{
			{ID: "n0", Order: 0, Type: TypeBegin},
			// prompt_ui referencing a prompt that was never stored
			{ID: "n1", Order: 1, Type: TypePromptUI, UIPromptID: "ghost"},
			{ID: "n2", Order: 2, Type: TypeFinish},
		},
	}
	if err := store.SaveFlow(context.Background(), f); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestDisablingFlowReleasesTrigger(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	p := &Prompt{TenantID: testTenantID, Title: "Sign in", TimeoutSec: 60}
	if err := store.SavePrompt(ctx, p); err != nil {
		t.Fatalf("save prompt failed: %v", err)
	}

	f := &Flow{
		TenantID: testTenantID,
		Name:     "signin",
		Trigger:  TriggerSignin,
		Nodes:    validNodes(p.ID),
	}
	if err := store.SaveFlow(ctx, f); err != nil {
		t.Fatalf("save flow failed: %v", err)
	}

	f.Status = StatusDisabled
	if err := store.SaveFlow(ctx, f); err != nil {
		t.Fatalf("disable failed: %v", err)
	}

	if _, err := store.ByTrigger(ctx, testTenantID, TriggerSignin); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("err = %v, want ErrFlowNotFound after disable", err)
	}
}
