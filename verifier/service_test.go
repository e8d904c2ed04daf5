package verifier_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregolly/identity-shield-sdk/behavior"
	"github.com/gregolly/identity-shield-sdk/fingerprint"
	"github.com/gregolly/identity-shield-sdk/internal/audit"
	"github.com/gregolly/identity-shield-sdk/internal/devicestore"
	"github.com/gregolly/identity-shield-sdk/internal/metrics"
	"github.com/gregolly/identity-shield-sdk/protocol"
	"github.com/gregolly/identity-shield-sdk/risk"
	"github.com/gregolly/identity-shield-sdk/telemetry"
	"github.com/gregolly/identity-shield-sdk/verifier"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []audit.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev audit.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Close(context.Context) error { return nil }

func (p *recordingPublisher) all() []audit.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audit.Event(nil), p.events...)
}

func newEngine(t *testing.T, history risk.DeviceHistory) *risk.Engine {
	t.Helper()
	rules, err := risk.Builtins(risk.DefaultParams(), history)
	require.NoError(t, err)
	reg, err := risk.NewRegistry(rules...)
	require.NoError(t, err)
	return risk.NewEngine(reg)
}

func healthyRequest(t *testing.T, call risk.CallContext) protocol.Request {
	t.Helper()
	fp := fingerprint.Generate(fingerprint.Static{
		UA:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Lang:        "en-US",
		Width:       1920,
		Height:      1080,
		Zone:        "Europe/Berlin",
		Cores:       8,
		OS:          "Win32",
		Depth:       24,
		PluginNames: []string{"PDF Viewer"},
		CanvasFunc:  fingerprint.Value("data:image/png;base64,AAAA"),
		WebGLFunc:   fingerprint.Value("ANGLE (NVIDIA GeForce GTX 1080 Direct3D11)"),
	})
	m := behavior.Metrics{TimeOnPage: 30, MouseMovements: 50, Clicks: 10, ScrollPercentage: 40}
	snap, err := telemetry.Build(&fp, &m, telemetry.Session{ID: "sess-v", PagesVisited: []string{"/"}},
		&telemetry.NetworkInfo{IP: "203.0.113.9", Country: "DE"}, nil)
	require.NoError(t, err)
	return protocol.NewRequest(snap, call)
}

func TestService_AllowsHealthyRequest(t *testing.T) {
	pub := &recordingPublisher{}
	svc := verifier.New(newEngine(t, nil), verifier.WithPublisher(pub, true))

	before := testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("allow"))
	resp, err := svc.Verify(context.Background(), healthyRequest(t, risk.CallContext{Action: "checkout"}))
	require.NoError(t, err)

	assert.Equal(t, risk.StatusAllow, resp.Status)
	assert.Equal(t, 100, resp.Score)
	assert.Equal(t, "sess-v", resp.SessionID)
	assert.Empty(t, resp.Token, "no signer configured")
	assert.Empty(t, pub.all())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("allow")))
}

func TestService_MissingTelemetryDeniesAndReports(t *testing.T) {
	pub := &recordingPublisher{}
	svc := verifier.New(newEngine(t, nil), verifier.WithPublisher(pub, false))

	req := healthyRequest(t, risk.CallContext{AccountID: "acct-1", Action: "login"})
	req.Device = nil

	resp, err := svc.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, risk.StatusDeny, resp.Status)
	assert.Equal(t, risk.MissingDataScore, resp.Score)
	assert.Equal(t, risk.MessageMissingData, resp.Message)

	events := pub.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, audit.EventHighRisk, ev.Type)
	assert.Equal(t, "deny", ev.Status)
	assert.Equal(t, "acct-1", ev.AccountID)
	assert.Equal(t, "login", ev.Action)
	assert.Equal(t, "203.0.113.9", ev.IP)
	assert.Empty(t, ev.DeviceHash)
}

func TestService_LearnsDevices(t *testing.T) {
	store := devicestore.NewMemoryStore(time.Hour)
	pub := &recordingPublisher{}
	svc := verifier.New(newEngine(t, store),
		verifier.WithDeviceStore(store),
		verifier.WithPublisher(pub, true))

	call := risk.CallContext{AccountID: "acct-2", Action: "checkout"}

	first, err := svc.Verify(context.Background(), healthyRequest(t, call))
	require.NoError(t, err)
	assert.Equal(t, risk.StatusReview, first.Status)
	assert.Equal(t, 70, first.Score)
	assert.Equal(t, []string{risk.RuleNewDevice}, first.Triggered())
	require.Len(t, pub.all(), 1, "review is reported when configured")
	assert.NotEmpty(t, pub.all()[0].DeviceHash)

	second, err := svc.Verify(context.Background(), healthyRequest(t, call))
	require.NoError(t, err)
	assert.Equal(t, risk.StatusAllow, second.Status)
	assert.Equal(t, 100, second.Score)
	assert.Equal(t, 1, store.DeviceCount("acct-2"))
}

func TestService_DeniedDeviceIsNotRemembered(t *testing.T) {
	store := devicestore.NewMemoryStore(time.Hour)
	svc := verifier.New(newEngine(t, store), verifier.WithDeviceStore(store))

	req := healthyRequest(t, risk.CallContext{AccountID: "acct-3"})
	req.Behavior.MouseMovements = 0
	req.Behavior.Clicks = 0
	req.Behavior.KeyPresses = 0

	resp, err := svc.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, risk.StatusDeny, resp.Status)
	assert.Equal(t, 0, store.DeviceCount("acct-3"))
}

func TestService_SignsDecisions(t *testing.T) {
	signer, err := protocol.NewTokenSigner("0123456789abcdef0123", time.Minute)
	require.NoError(t, err)
	svc := verifier.New(newEngine(t, nil), verifier.WithSigner(signer))

	resp, err := svc.Verify(context.Background(), healthyRequest(t, risk.CallContext{AccountID: "acct-4", Action: "transfer"}))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Token)

	claims, err := signer.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, risk.StatusAllow, claims.Status)
	assert.Equal(t, 100, claims.Score)
	assert.Equal(t, "transfer", claims.Action)
	assert.Equal(t, "acct-4", claims.AccountID)
	assert.Equal(t, "sess-v", claims.SessionID)
}

func TestService_ContextErrors(t *testing.T) {
	svc := verifier.New(newEngine(t, nil))
	req := healthyRequest(t, risk.CallContext{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := svc.Verify(ctx, req)
	assert.ErrorIs(t, err, protocol.ErrProtocolTimeout)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = svc.Verify(ctx, req)
	assert.ErrorIs(t, err, protocol.ErrProtocolUnavailable)
}

func TestService_ImplementsVerifier(t *testing.T) {
	var v protocol.Verifier = verifier.New(newEngine(t, nil))
	assert.NotNil(t, v)
}
