package flow

import (
	"errors"
	"fmt"
)

// ErrValidation tags every authoring-time validation failure so callers can
// map the whole class to a user error.
var ErrValidation = errors.New("flow validation failed")

// ValidationError pinpoints one authoring mistake.
type ValidationError struct {
	NodeID string
	Field  string
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("flow: %s", e.Msg)
	}
	if e.Field == "" {
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Msg)
	}
	return fmt.Sprintf("node %s: config %q: %s", e.NodeID, e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ValidateFlow checks a flow definition at authoring time. promptExists
// answers whether a tenant prompt id is known. Runtime never re-validates:
// a stored flow is assumed structurally sound.
func ValidateFlow(f *Flow, promptExists func(id string) bool) error {
	var errs []error
	add := func(nodeID, field, msg string) {
		errs = append(errs, &ValidationError{NodeID: nodeID, Field: field, Msg: msg})
	}

	if !f.Trigger.Valid() {
		add("", "", fmt.Sprintf("unknown trigger %q", f.Trigger))
	}
	if f.Name == "" {
		add("", "", "flow name required")
	}
	if len(f.Nodes) == 0 {
		add("", "", "flow has no nodes")
		return errors.Join(append([]error{ErrValidation}, errs...)...)
	}

	orders := make(map[int]*Node, len(f.Nodes))
	begins, finishes := 0, 0
	minOrder := f.Nodes[0].Order
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if _, dup := orders[n.Order]; dup {
			add(n.ID, "", fmt.Sprintf("duplicate order %d", n.Order))
		}
		orders[n.Order] = n
		if n.Order < minOrder {
			minOrder = n.Order
		}
		switch n.Type {
		case TypeBegin:
			begins++
		case TypeFinish:
			finishes++
		}
	}
	if begins != 1 {
		add("", "", fmt.Sprintf("flow needs exactly one begin node, has %d", begins))
	}
	if finishes == 0 {
		add("", "", "flow has no finish node")
	}
	if begins == 1 && orders[minOrder] != nil && orders[minOrder].Type != TypeBegin {
		add("", "", "begin node must come first")
	}

	targetExists := func(order int) bool {
		_, ok := orders[order]
		return ok
	}

	for i := range f.Nodes {
		n := &f.Nodes[i]
		if n.Type.Kind() == KindUnknown {
			add(n.ID, "", fmt.Sprintf("unknown node type %q", n.Type))
			continue
		}
		validateNodeConfig(n, targetExists, orders, promptExists, add)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrValidation}, errs...)...)
}

func validateNodeConfig(
	n *Node,
	targetExists func(int) bool,
	orders map[int]*Node,
	promptExists func(string) bool,
	add func(nodeID, field, msg string),
) {
	switch n.Type {
	case TypePromptUI:
		if n.UIPromptID == "" {
			add(n.ID, "", "prompt_ui node without a prompt reference")
		} else if promptExists != nil && !promptExists(n.UIPromptID) {
			add(n.ID, "", fmt.Sprintf("referenced prompt %q does not exist", n.UIPromptID))
		}

	case TypeLoop:
		iterCap, ok := intConfig(n.Config, "max_iterations")
		if !ok || iterCap <= 0 {
			add(n.ID, "max_iterations", "loop requires a positive iteration cap")
		}
		start, okS := intConfig(n.Config, "body_start")
		end, okE := intConfig(n.Config, "body_end")
		if !okS || !okE {
			add(n.ID, "body_start", "loop requires body_start and body_end orders")
			return
		}
		if start > end {
			add(n.ID, "body_start", "loop body range is inverted")
		}
		if !targetExists(start) || !targetExists(end) {
			add(n.ID, "body_start", "loop body references missing nodes")
		}
		if end >= n.Order {
			add(n.ID, "body_end", "loop body must precede the loop node")
		}

	case TypeParallelProcess:
		branches, ok := n.Config["branches"].([]any)
		if !ok || len(branches) == 0 {
			add(n.ID, "branches", "parallel_process requires at least one branch")
			return
		}
		for bi, raw := range branches {
			steps, ok := raw.([]any)
			if !ok || len(steps) == 0 {
				add(n.ID, "branches", fmt.Sprintf("branch %d is empty", bi))
				continue
			}
			for _, step := range steps {
				order, ok := asInt(step)
				if !ok || !targetExists(order) {
					add(n.ID, "branches", fmt.Sprintf("branch %d references a missing node", bi))
					continue
				}
				if order <= n.Order {
					add(n.ID, "branches", fmt.Sprintf("branch %d body must follow the fan-out node", bi))
				}
				// Branch bodies join before the run continues, so they
				// cannot themselves suspend or redirect control.
				if orders[order].Type.Kind() != KindSync {
					add(n.ID, "branches", fmt.Sprintf("branch %d node %d is not synchronous", bi, order))
				}
			}
		}

	case TypeBranch, TypeConditionalLogic:
		rules, ok := n.Config["rules"].([]any)
		if !ok || len(rules) == 0 {
			add(n.ID, "rules", "branch requires at least one rule")
			return
		}
		for ri, raw := range rules {
			rule, ok := raw.(map[string]any)
			if !ok {
				add(n.ID, "rules", fmt.Sprintf("rule %d is not an object", ri))
				continue
			}
			if sig, _ := rule["signal"].(string); sig == "" {
				add(n.ID, "rules", fmt.Sprintf("rule %d has no signal", ri))
			}
			if !validPredicateOp(rule["op"]) {
				add(n.ID, "rules", fmt.Sprintf("rule %d has an unknown op", ri))
			}
			target, ok := asInt(rule["target"])
			if !ok || !targetExists(target) {
				add(n.ID, "rules", fmt.Sprintf("rule %d targets a missing node", ri))
			}
		}
		if def, present := n.Config["default_target"]; present {
			target, ok := asInt(def)
			if !ok || !targetExists(target) {
				add(n.ID, "default_target", "default target is a missing node")
			}
		}

	case TypeRateLimitCheck:
		if purpose, _ := n.Config["purpose"].(string); purpose == "" {
			add(n.ID, "purpose", "rate_limit_check requires a purpose key")
		}
		if limit, ok := intConfig(n.Config, "limit"); !ok || limit <= 0 {
			add(n.ID, "limit", "rate_limit_check requires a positive limit")
		}
		if window, ok := intConfig(n.Config, "window_sec"); !ok || window <= 0 {
			add(n.ID, "window_sec", "rate_limit_check requires a positive window")
		}

	case TypeDelay:
		if secs, ok := intConfig(n.Config, "seconds"); !ok || secs <= 0 {
			add(n.ID, "seconds", "delay requires a positive interval")
		}

	case TypeWebhook, TypeAPIRequest:
		if u, _ := n.Config["url"].(string); u == "" {
			add(n.ID, "url", "external call requires a url")
		}

	case TypeMetadataWrite:
		if _, ok := n.Config["values"].(map[string]any); !ok {
			add(n.ID, "values", "metadata_write requires a values object")
		}
	}
}

// ValidatePrompt checks a prompt definition at authoring time.
func ValidatePrompt(p *Prompt) error {
	var errs []error
	if p.Title == "" {
		errs = append(errs, &ValidationError{Msg: "prompt title required"})
	}
	if p.TimeoutSec < PromptTimeoutMin || p.TimeoutSec > PromptTimeoutMax {
		errs = append(errs, &ValidationError{
			Field: "timeout_sec",
			Msg:   fmt.Sprintf("timeout %d outside [%d,%d]", p.TimeoutSec, PromptTimeoutMin, PromptTimeoutMax),
		})
	}
	seen := make(map[string]struct{}, len(p.Schema.Fields))
	for _, field := range p.Schema.Fields {
		if field.Name == "" {
			errs = append(errs, &ValidationError{Field: "fields", Msg: "field without a name"})
			continue
		}
		if _, dup := seen[field.Name]; dup {
			errs = append(errs, &ValidationError{Field: "fields", Msg: fmt.Sprintf("duplicate field %q", field.Name)})
		}
		seen[field.Name] = struct{}{}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrValidation}, errs...)...)
}

func validPredicateOp(v any) bool {
	op, _ := v.(string)
	switch op {
	case "eq", "ne", "gt", "lt", "exists":
		return true
	}
	return false
}

func intConfig(cfg map[string]any, key string) (int, bool) {
	return asInt(cfg[key])
}

// asInt tolerates the numeric types JSON decoding and direct construction
// produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
