// Package gate guards protected actions with a verification decision.
//
// Every path that cannot obtain a trustworthy decision is treated as a deny:
// verifier errors, timeouts, malformed decisions and invalid tokens all block
// the action.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gregolly/identity-shield-sdk/internal/metrics"
	"github.com/gregolly/identity-shield-sdk/internal/tracing"
	"github.com/gregolly/identity-shield-sdk/protocol"
	"github.com/gregolly/identity-shield-sdk/risk"
)

// Outcome is what the gate lets the action do
type Outcome string

const (
	OutcomeProceed Outcome = "proceed"
	OutcomeStepUp  Outcome = "step_up"
	OutcomeBlocked Outcome = "blocked"
)

var (
	// ErrBlocked is returned by Guard when the action was denied
	ErrBlocked = errors.New("gate: action blocked")
	// ErrNoSigner means a token was presented to a gate that cannot check it
	ErrNoSigner = errors.New("gate: no token signer configured")
	// ErrActionMismatch means a token was issued for a different action
	ErrActionMismatch = errors.New("gate: token bound to another action")
)

// Verdict is the gate's view of one decision for one action
type Verdict struct {
	Action    string      `json:"action"`
	Outcome   Outcome     `json:"outcome"`
	Status    risk.Status `json:"status"`
	Score     int         `json:"score"`
	Message   string      `json:"message"`
	SessionID string      `json:"session_id"`
	Err       error       `json:"-"`
}

// StepUpError is returned by Guard when the action needs additional verification
type StepUpError struct {
	Verdict Verdict
}

func (e *StepUpError) Error() string {
	return fmt.Sprintf("gate: %s requires additional verification (score %d)", e.Verdict.Action, e.Verdict.Score)
}

// StepUpFunc runs an additional verification for a review verdict.
// A nil error lets the action proceed.
type StepUpFunc func(ctx context.Context, v Verdict) error

type ctxKey struct{}

// FromContext returns the verdict attached by the gate
func FromContext(ctx context.Context) (Verdict, bool) {
	v, ok := ctx.Value(ctxKey{}).(Verdict)
	return v, ok
}

func withVerdict(ctx context.Context, v Verdict) context.Context {
	return context.WithValue(ctx, ctxKey{}, v)
}

// Gate guards actions with a Verifier
type Gate struct {
	verifier protocol.Verifier
	signer   *protocol.TokenSigner
	stepUp   StepUpFunc
	timeout  time.Duration
	logger   *zap.Logger
}

// Option configures a Gate
type Option func(*Gate)

// WithSigner lets the gate accept pre-fetched decision tokens
func WithSigner(s *protocol.TokenSigner) Option {
	return func(g *Gate) { g.signer = s }
}

// WithStepUp sets the handler Guard runs for review verdicts
func WithStepUp(fn StepUpFunc) Option {
	return func(g *Gate) { g.stepUp = fn }
}

// WithTimeout bounds each verification call
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a gate in front of v
func New(v protocol.Verifier, opts ...Option) *Gate {
	g := &Gate{
		verifier: v,
		timeout:  5 * time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check verifies req for action and returns the verdict, also attached to
// the returned context.
func (g *Gate) Check(ctx context.Context, action string, req protocol.Request) (context.Context, Verdict) {
	ctx, span := tracing.StartSpan(ctx, "gate.Check",
		tracing.Action(action),
		tracing.SessionID(req.Session.ID))
	defer span.End()

	req.Context.Action = action

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.verifier.Verify(callCtx, req)
	if err != nil {
		return g.failClosed(ctx, action, req.Session.ID, err)
	}
	if err := protocol.CheckSession(req, resp); err != nil {
		return g.failClosed(ctx, action, req.Session.ID, err)
	}
	ctx, v := g.Decide(ctx, action, resp)
	span.SetAttributes(tracing.Status(string(v.Status)), tracing.Score(v.Score))
	return ctx, v
}

// Decide turns an already obtained response into a verdict
func (g *Gate) Decide(ctx context.Context, action string, resp protocol.Response) (context.Context, Verdict) {
	if !resp.Status.Valid() || resp.Score < risk.MinScore || resp.Score > risk.MaxScore {
		err := fmt.Errorf("%w: malformed decision status=%q score=%d",
			protocol.ErrProtocolUnavailable, resp.Status, resp.Score)
		return g.failClosed(ctx, action, resp.SessionID, err)
	}

	v := Verdict{
		Action:    action,
		Outcome:   outcomeFor(resp.Status),
		Status:    resp.Status,
		Score:     resp.Score,
		Message:   resp.Message,
		SessionID: resp.SessionID,
	}
	return g.finish(ctx, v), v
}

// DecideToken checks a signed decision token issued for action
func (g *Gate) DecideToken(ctx context.Context, action, token string) (context.Context, Verdict) {
	if g.signer == nil {
		return g.failClosed(ctx, action, "", ErrNoSigner)
	}
	claims, err := g.signer.Verify(token)
	if err != nil {
		return g.failClosed(ctx, action, "", err)
	}
	if claims.Action != "" && claims.Action != action {
		return g.failClosed(ctx, action, claims.SessionID,
			fmt.Errorf("%w: %q", ErrActionMismatch, claims.Action))
	}

	d := claims.Decision()
	d.Message = statusMessage(d.Status)
	return g.Decide(ctx, action, protocol.Response{Decision: d})
}

// Guard runs fn only when the action may proceed. A review verdict runs the
// step-up handler first when one is configured, otherwise it returns a
// *StepUpError. A blocked verdict returns ErrBlocked.
func (g *Gate) Guard(ctx context.Context, action string, req protocol.Request, fn func(context.Context) error) (Verdict, error) {
	ctx, v := g.Check(ctx, action, req)
	switch v.Outcome {
	case OutcomeProceed:
		return v, fn(ctx)
	case OutcomeStepUp:
		if g.stepUp == nil {
			return v, &StepUpError{Verdict: v}
		}
		if err := g.stepUp(ctx, v); err != nil {
			g.logger.Info("step-up verification failed",
				zap.String("action", action),
				zap.String("session_id", v.SessionID),
				zap.Error(err))
			return v, &StepUpError{Verdict: v}
		}
		return v, fn(ctx)
	default:
		if v.Err != nil {
			return v, fmt.Errorf("%w: %v", ErrBlocked, v.Err)
		}
		return v, ErrBlocked
	}
}

func (g *Gate) failClosed(ctx context.Context, action, sessionID string, err error) (context.Context, Verdict) {
	resp := protocol.Deny(sessionID, err)
	v := Verdict{
		Action:    action,
		Outcome:   OutcomeBlocked,
		Status:    resp.Status,
		Score:     resp.Score,
		Message:   resp.Message,
		SessionID: sessionID,
		Err:       err,
	}
	g.logger.Warn("verification failed, blocking action",
		zap.String("action", action),
		zap.String("session_id", sessionID),
		zap.Error(err))
	return g.finish(ctx, v), v
}

func (g *Gate) finish(ctx context.Context, v Verdict) context.Context {
	metrics.GateOutcomesTotal.WithLabelValues(v.Action, string(v.Outcome)).Inc()
	g.logger.Debug("gate verdict",
		zap.String("action", v.Action),
		zap.String("outcome", string(v.Outcome)),
		zap.Int("score", v.Score))
	return withVerdict(ctx, v)
}

func outcomeFor(s risk.Status) Outcome {
	switch s {
	case risk.StatusAllow:
		return OutcomeProceed
	case risk.StatusReview:
		return OutcomeStepUp
	default:
		return OutcomeBlocked
	}
}

func statusMessage(s risk.Status) string {
	switch s {
	case risk.StatusAllow:
		return risk.MessageAllow
	case risk.StatusReview:
		return risk.MessageReview
	default:
		return risk.MessageDeny
	}
}
