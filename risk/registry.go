package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gregolly/identity-shield-sdk/telemetry"
)

// Rule is a named unit of risk evaluation contributing a signed delta when it fires
type Rule interface {
	Name() string
	Label() string
	Impact() int
	Evaluate(ctx context.Context, snap *telemetry.Snapshot, call CallContext) (bool, error)
}

// EvalFunc is the trigger condition of a rule
type EvalFunc func(ctx context.Context, snap *telemetry.Snapshot, call CallContext) (bool, error)

type funcRule struct {
	name   string
	label  string
	impact int
	eval   EvalFunc
}

// NewRule builds a Rule from its parts
func NewRule(name, label string, impact int, eval EvalFunc) Rule {
	return &funcRule{name: name, label: label, impact: impact, eval: eval}
}

func (r *funcRule) Name() string  { return r.name }
func (r *funcRule) Label() string { return r.label }
func (r *funcRule) Impact() int   { return r.impact }

func (r *funcRule) Evaluate(ctx context.Context, snap *telemetry.Snapshot, call CallContext) (bool, error) {
	return r.eval(ctx, snap, call)
}

// Registry is an ordered set of rules keyed by unique name
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
	index map[string]int
}

// NewRegistry creates a registry holding rules in the given order
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{index: make(map[string]int)}
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a rule. Names must be unique.
func (r *Registry) Register(rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := rule.Name()
	if name == "" {
		return errors.New("risk: rule name is empty")
	}
	if _, ok := r.index[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, name)
	}
	r.index[name] = len(r.rules)
	r.rules = append(r.rules, rule)
	return nil
}

// Lookup returns the rule registered under name
func (r *Registry) Lookup(name string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.rules[i], true
}

// Names returns rule names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name()
	}
	return names
}

func (r *Registry) snapshot() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.rules...)
}

// Evaluate runs every enabled rule against snap in registration order.
// A rule absent from enabled counts as enabled; nil enables everything.
// A rule that errors or panics contributes zero and carries its error in the result.
func (r *Registry) Evaluate(ctx context.Context, snap *telemetry.Snapshot, enabled map[string]bool, call CallContext) ([]RuleResult, error) {
	if !snap.Complete() {
		return nil, ErrMissingTelemetry
	}

	rules := r.snapshot()
	results := make([]RuleResult, 0, len(rules))
	for _, rule := range rules {
		if on, ok := enabled[rule.Name()]; ok && !on {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, evaluateRule(ctx, rule, snap, call))
	}
	return results, nil
}

func evaluateRule(ctx context.Context, rule Rule, snap *telemetry.Snapshot, call CallContext) (res RuleResult) {
	res = RuleResult{Rule: rule.Name(), Label: rule.Label()}

	defer func() {
		if p := recover(); p != nil {
			res.Triggered = false
			res.Delta = 0
			res.Error = fmt.Sprintf("panic: %v", p)
		}
	}()

	triggered, err := rule.Evaluate(ctx, snap, call)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if triggered {
		res.Triggered = true
		res.Delta = rule.Impact()
	}
	return res
}
