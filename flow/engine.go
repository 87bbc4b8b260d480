package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tenauth/tenauth/internal/rate"
	"github.com/tenauth/tenauth/pending"
	"github.com/tenauth/tenauth/token"
)

var (
	// ErrResumeConflict is returned when a resume arrives for a request
	// that is not suspended on the given kind, including the second of two
	// duplicate resumes for the same suspension.
	ErrResumeConflict = errors.New("resume conflict")
	// ErrDelayNotElapsed is returned when a delay suspension is resumed
	// before its interval has passed. The suspension stays intact.
	ErrDelayNotElapsed = errors.New("delay not elapsed")
	// ErrNoSubject is surfaced when a flow reaches finish without an
	// authenticated user.
	ErrNoSubject = errors.New("flow finished without a subject")
)

// Await kinds a run can be suspended on.
const (
	AwaitPrompt       = "prompt"
	AwaitCaptcha      = "captcha"
	AwaitMFA          = "mfa"
	AwaitVerification = "verification"
	AwaitWebhook      = "webhook"
	AwaitDelay        = "delay"
)

// EventLoginComplete is published on the request's channel when a run
// terminates successfully.
const EventLoginComplete = "loginComplete"

// awaitKindFor groups suspending node types into the kinds a resume is
// addressed to.
func awaitKindFor(t NodeType) string {
	switch t {
	case TypePromptUI, TypeRequireReauth, TypeDocumentUpload, TypeBiometricCheck:
		return AwaitPrompt
	case TypeCheckCaptcha:
		return AwaitCaptcha
	case TypeMFAChallenge, TypeMFATOTPVerify, TypeMFASMSVerify,
		TypeMFAEmailVerify, TypeMFAWebauthnVerify:
		return AwaitMFA
	case TypeEmailVerification, TypeSMSVerification, TypePhoneVerification:
		return AwaitVerification
	case TypeWebhook, TypeAPIRequest:
		return AwaitWebhook
	case TypeDelay:
		return AwaitDelay
	default:
		return ""
	}
}

// RunStatus is the externally visible state of a run step.
type RunStatus string

const (
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
	RunDenied    RunStatus = "denied"
	RunFailed    RunStatus = "failed"
)

// Outcome is what one Start or Resume call produced.
type Outcome struct {
	Status RunStatus

	// RedirectURI is set on every terminal outcome: the code-bearing
	// redirect on success, the error redirect otherwise.
	RedirectURI string
	Code        string

	// Awaiting and Prompt describe a suspension.
	Awaiting string
	Prompt   *Prompt
}

// CodeIssuer is the slice of the token layer a finishing run needs.
type CodeIssuer interface {
	IssueAuthorizationCode(ctx context.Context, req *pending.Request) (*token.IssuedCode, error)
	DenialRedirect(req *pending.Request, oauthError string) (string, error)
}

// Verifier validates the payload completing one suspension. A false return
// denies the attempt without being an operational error.
type Verifier interface {
	Verify(ctx context.Context, req *pending.Request, payload json.RawMessage) (bool, error)
}

// SyncResult is the effect of one synchronous handler.
type SyncResult struct {
	// Signals are merged into the request's accumulated signals.
	Signals map[string]any
	// Deny terminates the run as an explicit denial.
	Deny bool
}

// SyncHandler executes one synchronous node type. Handlers are injected;
// an unregistered type is a no-op advance.
type SyncHandler interface {
	Run(ctx context.Context, req *pending.Request, node *Node) (*SyncResult, error)
}

// SyncHandlerFunc adapts a function to [SyncHandler].
type SyncHandlerFunc func(ctx context.Context, req *pending.Request, node *Node) (*SyncResult, error)

func (f SyncHandlerFunc) Run(ctx context.Context, req *pending.Request, node *Node) (*SyncResult, error) {
	return f(ctx, req, node)
}

// Limiter is the slice of the rate limiter the rate_limit_check node needs.
type Limiter interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) rate.Decision
}

// Engine interprets flows against pending requests.
type Engine struct {
	flows    *Store
	coord    *pending.Coordinator
	issuer   CodeIssuer
	limiter  Limiter
	handlers map[NodeType]SyncHandler
	verify   map[NodeType]Verifier
}

// EngineOptions wires the engine's collaborators. Handlers and Verifiers
// may be nil or partial; unregistered sync types advance as no-ops and
// unregistered suspension types accept any resume.
type EngineOptions struct {
	Flows       *Store
	Coordinator *pending.Coordinator
	Issuer      CodeIssuer
	Limiter     Limiter
	Handlers    map[NodeType]SyncHandler
	Verifiers   map[NodeType]Verifier
}

// NewEngine creates an [Engine].
func NewEngine(opts EngineOptions) *Engine {
	return &Engine{
		flows:    opts.Flows,
		coord:    opts.Coordinator,
		issuer:   opts.Issuer,
		limiter:  opts.Limiter,
		handlers: opts.Handlers,
		verify:   opts.Verifiers,
	}
}

// Start begins (or restarts from the persisted cursor) the run for a pending
// request, resolving the tenant's enabled flow for the request's trigger.
func (e *Engine) Start(ctx context.Context, rid string) (*Outcome, error) {
	req, err := e.coord.Get(ctx, rid)
	if err != nil {
		return nil, err
	}

	var f *Flow
	if req.FlowID == "" {
		f, err = e.flows.ByTrigger(ctx, req.TenantID, Trigger(req.FlowTrigger))
		if err != nil {
			return nil, err
		}
		req.FlowID = f.ID
		req.FlowCursor = f.beginOrder()
	} else {
		f, err = e.flows.GetFlow(ctx, req.TenantID, req.FlowID)
		if err != nil {
			return nil, err
		}
	}

	return e.run(ctx, f, req)
}

// Resume completes the suspension a request is parked on and continues the
// run. kind must match the awaited kind; a duplicate resume for an already
// consumed suspension fails with [ErrResumeConflict].
func (e *Engine) Resume(ctx context.Context, rid, kind string, payload json.RawMessage) (*Outcome, error) {
	req, err := e.coord.Get(ctx, rid)
	if err != nil {
		return nil, err
	}
	if req.Awaiting == "" || req.Awaiting != kind {
		return nil, ErrResumeConflict
	}

	f, err := e.flows.GetFlow(ctx, req.TenantID, req.FlowID)
	if err != nil {
		return nil, err
	}
	node := f.nodeAt(req.FlowCursor)
	if node == nil {
		return nil, fmt.Errorf("flow %s has no node at cursor %d", f.ID, req.FlowCursor)
	}

	// The deadline means opposite things per kind: for a delay it is the
	// earliest permitted resume, for prompt-style suspensions the latest.
	if req.AwaitDeadline > 0 {
		now := time.Now().Unix()
		if req.Awaiting == AwaitDelay {
			if now < req.AwaitDeadline {
				return nil, ErrDelayNotElapsed
			}
		} else if now > req.AwaitDeadline {
			return e.terminateError(ctx, req, "expired_request")
		}
	}

	if v := e.verify[node.Type]; v != nil {
		ok, err := v.Verify(ctx, req, payload)
		if err != nil {
			return e.terminateError(ctx, req, "server_error")
		}
		if !ok {
			return e.terminateDenied(ctx, req)
		}
	}

	// Consuming the suspension is a CAS on the request: of two racing
	// resumes exactly one clears Awaiting, the other observes it cleared
	// and conflicts. The cursor advances at most once.
	updated, err := e.coord.Update(ctx, rid, func(r *pending.Request) error {
		if r.Awaiting != kind {
			return ErrResumeConflict
		}
		r.Awaiting = ""
		r.AwaitDeadline = 0
		if len(payload) > 0 {
			var fields map[string]any
			if err := json.Unmarshal(payload, &fields); err == nil {
				r.SetSignal("resume:"+node.ID, fields)
			}
		}
		r.FlowCursor = f.nextOrder(r.FlowCursor)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return e.run(ctx, f, updated)
}

// run walks nodes from the request's cursor until the flow suspends or
// terminates.
func (e *Engine) run(ctx context.Context, f *Flow, req *pending.Request) (*Outcome, error) {
	cursor := req.FlowCursor
	for {
		if cursor < 0 {
			// Walked off the end without a finish node; validation
			// prevents authoring this, so treat it as operational.
			return e.terminateError(ctx, req, "server_error")
		}
		node := f.nodeAt(cursor)
		if node == nil {
			return e.terminateError(ctx, req, "server_error")
		}

		switch node.Type.Kind() {
		case KindSuspending:
			return e.suspend(ctx, f, req, node)

		case KindStructural:
			switch node.Type {
			case TypeBegin:
				cursor = f.nextOrder(cursor)
			case TypeFinish:
				return e.finish(ctx, req)
			case TypeLoop:
				next, err := e.loopStep(req, node)
				if err != nil {
					return e.terminateError(ctx, req, "server_error")
				}
				if next < 0 {
					cursor = f.nextOrder(cursor)
				} else {
					cursor = next
				}
			case TypeParallelProcess:
				lastBranchOrder, err := e.parallelStep(ctx, f, req, node)
				if err != nil {
					return e.terminateError(ctx, req, "server_error")
				}
				// Branch bodies sit after the fan-out node; the join
				// continues past the furthest of them.
				if lastBranchOrder < cursor {
					lastBranchOrder = cursor
				}
				cursor = f.nextOrder(lastBranchOrder)
			}

		case KindSync:
			next, result, err := e.syncStep(ctx, f, req, node)
			if err != nil {
				return e.terminateError(ctx, req, "server_error")
			}
			if result != nil && result.Deny {
				return e.terminateDenied(ctx, req)
			}
			cursor = next

		default:
			return e.terminateError(ctx, req, "server_error")
		}

		req.FlowCursor = cursor
	}
}

func (e *Engine) syncStep(ctx context.Context, f *Flow, req *pending.Request, node *Node) (int, *SyncResult, error) {
	switch node.Type {
	case TypeReadSignals:
		req.SetSignal("client_id", req.ClientID)
		req.SetSignal("scope", req.Scope)
		req.SetSignal("trigger", req.FlowTrigger)
		if req.UserID != "" {
			req.SetSignal("user_id", req.UserID)
		}
		return f.nextOrder(node.Order), nil, nil

	case TypeMetadataWrite:
		values, _ := node.Config["values"].(map[string]any)
		for k, v := range values {
			req.SetSignal(k, v)
		}
		return f.nextOrder(node.Order), nil, nil

	case TypeRateLimitCheck:
		if e.limiter == nil {
			return f.nextOrder(node.Order), nil, nil
		}
		purpose, _ := node.Config["purpose"].(string)
		limit, _ := intConfig(node.Config, "limit")
		windowSec, _ := intConfig(node.Config, "window_sec")
		decision := e.limiter.Take(
			ctx,
			req.TenantID+":"+purpose,
			limit,
			time.Duration(windowSec)*time.Second,
		)
		if !decision.Allowed {
			return 0, &SyncResult{Deny: true}, nil
		}
		req.SetSignal("rate_remaining:"+purpose, decision.Remaining)
		return f.nextOrder(node.Order), nil, nil

	case TypeBranch, TypeConditionalLogic:
		return e.branchStep(f, req, node), nil, nil

	default:
		// Enrichment-style nodes run through injected handlers; an
		// unregistered type contributes nothing.
		h := e.handlers[node.Type]
		if h == nil {
			return f.nextOrder(node.Order), nil, nil
		}
		result, err := h.Run(ctx, req, node)
		if err != nil {
			return 0, nil, err
		}
		if result != nil {
			for k, v := range result.Signals {
				req.SetSignal(k, v)
			}
		}
		return f.nextOrder(node.Order), result, nil
	}
}

// branchStep evaluates the node's rules in order and returns the first
// matching target, the default target, or the next node.
func (e *Engine) branchStep(f *Flow, req *pending.Request, node *Node) int {
	rules, _ := node.Config["rules"].([]any)
	for _, raw := range rules {
		rule, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		sig, _ := rule["signal"].(string)
		op, _ := rule["op"].(string)
		value, hasSignal := req.Signal(sig)
		if !predicateHolds(op, value, hasSignal, rule["value"]) {
			continue
		}
		if target, ok := asInt(rule["target"]); ok {
			return target
		}
	}
	if target, ok := asInt(node.Config["default_target"]); ok {
		return target
	}
	return f.nextOrder(node.Order)
}

func predicateHolds(op string, value any, hasSignal bool, expected any) bool {
	switch op {
	case "exists":
		return hasSignal
	case "eq":
		return hasSignal && looseEqual(value, expected)
	case "ne":
		return !hasSignal || !looseEqual(value, expected)
	case "gt":
		a, okA := asFloat(value)
		b, okB := asFloat(expected)
		return okA && okB && a > b
	case "lt":
		a, okA := asFloat(value)
		b, okB := asFloat(expected)
		return okA && okB && a < b
	}
	return false
}

// looseEqual compares signal values across the numeric representations JSON
// round-tripping produces.
func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// loopStep returns the body-start order while the loop should re-enter, or
// -1 once the condition holds or the cap is exhausted.
func (e *Engine) loopStep(req *pending.Request, node *Node) (int, error) {
	iterCap, ok := intConfig(node.Config, "max_iterations")
	if !ok {
		return 0, fmt.Errorf("loop %s has no iteration cap", node.ID)
	}
	bodyStart, _ := intConfig(node.Config, "body_start")

	if until, _ := node.Config["until_signal"].(string); until != "" {
		if v, has := req.Signal(until); has && truthy(v) {
			return -1, nil
		}
	}

	counterKey := "loop:" + node.ID
	iterations := 0
	if v, ok := req.Signal(counterKey); ok {
		iterations, _ = asInt(v)
	}
	if iterations >= iterCap {
		return -1, nil
	}
	req.SetSignal(counterKey, iterations+1)
	return bodyStart, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	default:
		f, ok := asFloat(v)
		return ok && f != 0
	}
}

// parallelStep runs every branch's synchronous nodes concurrently against
// branch-local signal scratch and joins wait-all, fail-fast. Scratch merges
// into the request only when every branch succeeded. Returns the highest
// node order any branch referenced so the caller can continue past the
// bodies.
func (e *Engine) parallelStep(ctx context.Context, f *Flow, req *pending.Request, node *Node) (int, error) {
	branches, _ := node.Config["branches"].([]any)

	lastOrder := node.Order
	for _, raw := range branches {
		steps, _ := raw.([]any)
		for _, step := range steps {
			if order, ok := asInt(step); ok && order > lastOrder {
				lastOrder = order
			}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		merged   = make(map[string]any)
	)
	for _, raw := range branches {
		steps, _ := raw.([]any)
		wg.Add(1)
		go func(steps []any) {
			defer wg.Done()

			// Each branch works on a shallow copy so concurrent signal
			// writes never race on the shared request.
			scratch := *req
			scratch.Signals = make(map[string]any, len(req.Signals))
			for k, v := range req.Signals {
				scratch.Signals[k] = v
			}

			for _, step := range steps {
				if ctx.Err() != nil {
					return
				}
				order, _ := asInt(step)
				branchNode := f.nodeAt(order)
				if branchNode == nil {
					continue
				}
				_, result, err := e.syncStep(ctx, f, &scratch, branchNode)
				if err == nil && result != nil && result.Deny {
					err = errors.New("parallel branch denied")
				}
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					cancel()
					return
				}
			}

			mu.Lock()
			for k, v := range scratch.Signals {
				merged[k] = v
			}
			mu.Unlock()
		}(steps)
	}
	wg.Wait()

	if firstErr != nil {
		return lastOrder, firstErr
	}
	for k, v := range merged {
		req.SetSignal(k, v)
	}
	return lastOrder, nil
}

// suspend persists the cursor and accumulated signals and parks the run.
func (e *Engine) suspend(ctx context.Context, f *Flow, req *pending.Request, node *Node) (*Outcome, error) {
	kind := awaitKindFor(node.Type)

	var prompt *Prompt
	deadline := int64(0)
	if node.Type == TypePromptUI {
		var err error
		prompt, err = e.flows.GetPrompt(ctx, req.TenantID, node.UIPromptID)
		if err != nil {
			return e.terminateError(ctx, req, "server_error")
		}
		deadline = time.Now().Add(time.Duration(prompt.TimeoutSec) * time.Second).Unix()
	}
	if node.Type == TypeDelay {
		secs, _ := intConfig(node.Config, "seconds")
		deadline = time.Now().Add(time.Duration(secs) * time.Second).Unix()
	}

	_, err := e.coord.Update(ctx, req.RID, func(r *pending.Request) error {
		r.FlowID = req.FlowID
		r.FlowCursor = node.Order
		r.Awaiting = kind
		r.AwaitDeadline = deadline
		for k, v := range req.Signals {
			r.SetSignal(k, v)
		}
		if req.UserID != "" {
			r.UserID = req.UserID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{Status: RunSuspended, Awaiting: kind, Prompt: prompt}, nil
}

// finish hands the completed request to the token layer, announces the
// result, and evicts the request.
func (e *Engine) finish(ctx context.Context, req *pending.Request) (*Outcome, error) {
	if req.UserID == "" {
		return nil, ErrNoSubject
	}

	issued, err := e.issuer.IssueAuthorizationCode(ctx, req)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{"redirect_uri": issued.RedirectURI})
	// Best-effort: a missing subscriber re-reads final state itself.
	_ = e.coord.Publish(ctx, req.RID, EventLoginComplete, payload)

	if err := e.coord.Complete(ctx, req.RID); err != nil {
		return nil, err
	}

	return &Outcome{
		Status:      RunCompleted,
		RedirectURI: issued.RedirectURI,
		Code:        issued.Code,
	}, nil
}

func (e *Engine) terminateDenied(ctx context.Context, req *pending.Request) (*Outcome, error) {
	return e.terminate(ctx, req, RunDenied, "access_denied")
}

func (e *Engine) terminateError(ctx context.Context, req *pending.Request, oauthError string) (*Outcome, error) {
	return e.terminate(ctx, req, RunFailed, oauthError)
}

func (e *Engine) terminate(ctx context.Context, req *pending.Request, status RunStatus, oauthError string) (*Outcome, error) {
	redirect, err := e.issuer.DenialRedirect(req, oauthError)
	if err != nil {
		return nil, err
	}
	if err := e.coord.Complete(ctx, req.RID); err != nil {
		return nil, err
	}
	return &Outcome{Status: status, RedirectURI: redirect}, nil
}
