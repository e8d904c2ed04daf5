package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gregolly/identity-shield-sdk/telemetry"
)

// Config is the mutable part of the engine: which rules run and where the
// status boundaries sit. Engines never mutate a published Config.
type Config struct {
	Enabled    map[string]bool `json:"rules"`
	Thresholds Thresholds      `json:"thresholds"`
}

func (c Config) clone() Config {
	enabled := make(map[string]bool, len(c.Enabled))
	for k, v := range c.Enabled {
		enabled[k] = v
	}
	return Config{Enabled: enabled, Thresholds: c.Thresholds}
}

// Update is a partial configuration change. Nil fields are left as they are.
type Update struct {
	Rules      map[string]bool `json:"rules,omitempty"`
	Thresholds *Thresholds     `json:"thresholds,omitempty"`
}

// Engine evaluates snapshots against a registry under the current Config.
// Assess is safe for concurrent use; configuration changes are published
// atomically and only affect assessments that start afterwards.
type Engine struct {
	registry *Registry
	cfg      atomic.Pointer[Config]
	writeMu  sync.Mutex
	logger   *zap.Logger
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithEngineLogger sets the logger
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine with every registered rule enabled and default thresholds
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{registry: registry, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}

	cfg := Config{Enabled: make(map[string]bool), Thresholds: DefaultThresholds()}
	for _, name := range registry.Names() {
		cfg.Enabled[name] = true
	}
	e.cfg.Store(&cfg)
	return e
}

// Registry returns the engine's rule registry
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Config returns a copy of the current configuration
func (e *Engine) Config() Config {
	return e.cfg.Load().clone()
}

// Apply validates u against the current configuration and publishes the
// result. On error nothing changes.
func (e *Engine) Apply(u Update) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	next := e.cfg.Load().clone()

	var errs []error
	for name, on := range u.Rules {
		if _, ok := e.registry.Lookup(name); !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownRule, name))
			continue
		}
		next.Enabled[name] = on
	}
	if u.Thresholds != nil {
		if err := u.Thresholds.Validate(); err != nil {
			errs = append(errs, err)
		}
		next.Thresholds = *u.Thresholds
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	e.cfg.Store(&next)
	e.logger.Info("risk config updated",
		zap.Int("allow_threshold", next.Thresholds.Allow),
		zap.Int("review_threshold", next.Thresholds.Review),
		zap.Int("rules_changed", len(u.Rules)))
	return nil
}

// SetThresholds replaces the thresholds
func (e *Engine) SetThresholds(t Thresholds) error {
	return e.Apply(Update{Thresholds: &t})
}

// SetRuleEnabled toggles one rule
func (e *Engine) SetRuleEnabled(name string, on bool) error {
	return e.Apply(Update{Rules: map[string]bool{name: on}})
}

// Assess scores snap. Incomplete telemetry yields the fixed missing-data
// deny rather than an error. Errors are returned only when ctx ends.
func (e *Engine) Assess(ctx context.Context, snap *telemetry.Snapshot, call CallContext) (Decision, error) {
	cfg := e.cfg.Load()

	var sessionID string
	if snap != nil {
		sessionID = snap.Session.ID
	}

	results, err := e.registry.Evaluate(ctx, snap, cfg.Enabled, call)
	switch {
	case errors.Is(err, ErrMissingTelemetry):
		e.logger.Warn("incomplete telemetry, denying", zap.String("session_id", sessionID))
		return MissingDataDecision(sessionID), nil
	case err != nil:
		return Decision{}, fmt.Errorf("risk: assess: %w", err)
	}

	for _, r := range results {
		if r.Error != "" {
			e.logger.Warn("rule evaluation failed",
				zap.String("rule", r.Rule),
				zap.String("session_id", sessionID),
				zap.String("error", r.Error))
		}
	}

	d := Decide(results, cfg.Thresholds, sessionID)
	e.logger.Debug("risk assessed",
		zap.String("session_id", sessionID),
		zap.String("status", string(d.Status)),
		zap.Int("score", d.Score),
		zap.Strings("triggered", d.Triggered()))
	return d, nil
}
