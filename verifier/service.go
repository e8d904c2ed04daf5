// Package verifier is the in-process implementation of the verification
// protocol: it scores a request, remembers trusted devices, reports high-risk
// decisions and signs the result.
package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/gregolly/identity-shield-sdk/internal/audit"
	"github.com/gregolly/identity-shield-sdk/internal/devicestore"
	"github.com/gregolly/identity-shield-sdk/internal/metrics"
	"github.com/gregolly/identity-shield-sdk/internal/tracing"
	"github.com/gregolly/identity-shield-sdk/protocol"
	"github.com/gregolly/identity-shield-sdk/risk"
)

// Service scores verification requests with a risk engine
type Service struct {
	engine        *risk.Engine
	devices       devicestore.Store
	publisher     audit.Publisher
	signer        *protocol.TokenSigner
	publishReview bool
	now           func() time.Time
	logger        *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithDeviceStore records the device of every non-denied request that names an account
func WithDeviceStore(s devicestore.Store) Option {
	return func(svc *Service) { svc.devices = s }
}

// WithPublisher reports deny decisions, and review decisions when includeReview is set
func WithPublisher(p audit.Publisher, includeReview bool) Option {
	return func(svc *Service) {
		if p != nil {
			svc.publisher = p
			svc.publishReview = includeReview
		}
	}
}

// WithSigner attaches a signed token to every response
func WithSigner(s *protocol.TokenSigner) Option {
	return func(svc *Service) { svc.signer = s }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

// New creates a service around engine
func New(engine *risk.Engine, opts ...Option) *Service {
	svc := &Service{
		engine:    engine,
		publisher: audit.Noop{},
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Engine returns the underlying risk engine
func (s *Service) Engine() *risk.Engine {
	return s.engine
}

// Verify implements protocol.Verifier
func (s *Service) Verify(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "verifier.Verify",
		tracing.SessionID(req.Session.ID),
		tracing.Action(req.Context.Action))
	defer span.End()

	start := time.Now()
	d, err := s.engine.Assess(ctx, &req.Snapshot, req.Context)
	metrics.AssessDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) {
			return protocol.Response{}, fmt.Errorf("%w: %v", protocol.ErrProtocolTimeout, err)
		}
		return protocol.Response{}, fmt.Errorf("%w: %v", protocol.ErrProtocolUnavailable, err)
	}

	span.SetAttributes(tracing.Status(string(d.Status)), tracing.Score(d.Score))
	s.record(d)

	// review is followed by step-up, so only a deny keeps the device unknown
	if d.Status != risk.StatusDeny {
		s.rememberDevice(ctx, req)
	}
	if d.Status == risk.StatusDeny || (s.publishReview && d.Status == risk.StatusReview) {
		s.publisher.Publish(ctx, s.event(req, d))
	}

	resp := protocol.Response{Decision: d}
	if s.signer != nil {
		tok, err := s.signer.Sign(d, req.Context)
		if err != nil {
			// an unsigned response is still a valid decision
			s.logger.Error("decision signing failed", zap.String("session_id", d.SessionID), zap.Error(err))
		}
		resp.Token = tok
	}

	s.logger.Info("verification decided",
		zap.String("session_id", d.SessionID),
		zap.String("status", string(d.Status)),
		zap.Int("score", d.Score),
		zap.String("action", req.Context.Action),
		zap.Strings("triggered", d.Triggered()))
	return resp, nil
}

func (s *Service) record(d risk.Decision) {
	metrics.DecisionsTotal.WithLabelValues(string(d.Status)).Inc()
	metrics.DecisionScore.Observe(float64(d.Score))
	for _, r := range d.Breakdown {
		if r.Triggered {
			metrics.RuleTriggersTotal.WithLabelValues(r.Rule).Inc()
		}
		if r.Error != "" {
			metrics.RuleErrorsTotal.WithLabelValues(r.Rule).Inc()
		}
	}
}

func (s *Service) rememberDevice(ctx context.Context, req protocol.Request) {
	if s.devices == nil || req.Context.AccountID == "" || req.Device == nil {
		return
	}
	if err := s.devices.Remember(ctx, req.Context.AccountID, req.Device.Fingerprint); err != nil {
		s.logger.Warn("device history update failed",
			zap.String("account_id", req.Context.AccountID),
			zap.Error(err))
	}
}

func (s *Service) event(req protocol.Request, d risk.Decision) audit.Event {
	ev := audit.Event{
		Type:       audit.EventHighRisk,
		SessionID:  d.SessionID,
		Status:     string(d.Status),
		Score:      d.Score,
		Message:    d.Message,
		Triggered:  d.Triggered(),
		AccountID:  req.Context.AccountID,
		Action:     req.Context.Action,
		OccurredAt: s.now().UTC(),
	}
	if req.Network != nil {
		ev.IP = req.Network.IP
		ev.Country = req.Network.Country
	}
	if req.Device != nil {
		sum := sha256.Sum256([]byte(req.Device.Fingerprint))
		ev.DeviceHash = hex.EncodeToString(sum[:8])
	}
	return ev
}
