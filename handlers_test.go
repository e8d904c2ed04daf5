package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gregolly/identity-shield-sdk/behavior"
	"github.com/gregolly/identity-shield-sdk/fingerprint"
	"github.com/gregolly/identity-shield-sdk/gate"
	"github.com/gregolly/identity-shield-sdk/internal/config"
	"github.com/gregolly/identity-shield-sdk/internal/devicestore"
	"github.com/gregolly/identity-shield-sdk/internal/ratelimit"
	"github.com/gregolly/identity-shield-sdk/protocol"
	"github.com/gregolly/identity-shield-sdk/risk"
	"github.com/gregolly/identity-shield-sdk/telemetry"
	"github.com/gregolly/identity-shield-sdk/verifier"
)

type testServer struct {
	handler http.Handler
	srv     *server
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	for _, fn := range mutate {
		fn(cfg)
	}

	store := devicestore.NewMemoryStore(time.Hour)
	engine, err := newEngine(cfg.Risk, store, zap.NewNop())
	require.NoError(t, err)

	svc := verifier.New(engine, verifier.WithDeviceStore(store))
	s := &server{
		verifier: svc,
		engine:   engine,
		gate:     gate.New(svc),
		limiter:  ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests),
		logger:   zap.NewNop(),
	}
	return &testServer{handler: newRouter(cfg, s), srv: s}
}

func (ts *testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func healthyPayload(t *testing.T, call risk.CallContext) []byte {
	t.Helper()
	fp := fingerprint.Generate(fingerprint.Static{
		UA:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		Lang:        "de-DE",
		Width:       2560,
		Height:      1440,
		Zone:        "Europe/Berlin",
		Cores:       16,
		OS:          "Linux x86_64",
		Depth:       24,
		PluginNames: []string{"PDF Viewer", "Chrome PDF Viewer"},
		CanvasFunc:  fingerprint.Value("data:image/png;base64,CCCC"),
		WebGLFunc:   fingerprint.Value("ANGLE (AMD Radeon RX 6800)"),
	})
	m := behavior.Metrics{TimeOnPage: 60, MouseMovements: 120, KeyPresses: 30, Clicks: 8, ScrollPercentage: 90}
	snap, err := telemetry.Build(&fp, &m, telemetry.Session{ID: "sess-api", PagesVisited: []string{"/"}}, nil, nil)
	require.NoError(t, err)

	body, err := json.Marshal(protocol.NewRequest(snap, call))
	require.NoError(t, err)
	return body
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	rec := newTestServer(t).do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestVerify_Allow(t *testing.T) {
	rec := newTestServer(t).do(http.MethodPost, protocol.Path, healthyPayload(t, risk.CallContext{}))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp protocol.Response
	decode(t, rec, &resp)
	assert.Equal(t, risk.StatusAllow, resp.Status)
	assert.Equal(t, 100, resp.Score)
	assert.Equal(t, "sess-api", resp.SessionID)
	assert.Equal(t, risk.MessageAllow, resp.Message)
}

func TestVerify_MissingTelemetry(t *testing.T) {
	rec := newTestServer(t).do(http.MethodPost, protocol.Path, []byte(`{"session":{"id":"s-empty"}}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp protocol.Response
	decode(t, rec, &resp)
	assert.Equal(t, risk.StatusDeny, resp.Status)
	assert.Equal(t, 10, resp.Score)
	assert.Equal(t, "Missing critical data for verification", resp.Message)
	assert.Equal(t, "s-empty", resp.SessionID)
}

func TestVerify_InvalidBody(t *testing.T) {
	rec := newTestServer(t).do(http.MethodPost, protocol.Path, []byte("not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerify_VerifierFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.verifier = protocol.VerifierFunc(func(context.Context, protocol.Request) (protocol.Response, error) {
		return protocol.Response{}, protocol.ErrProtocolUnavailable
	})

	rec := ts.do(http.MethodPost, protocol.Path, healthyPayload(t, risk.CallContext{}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Verification failed")
}

func TestVerify_RateLimited(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.RateLimit.MaxRequests = 2 })
	body := healthyPayload(t, risk.CallContext{})

	assert.Equal(t, http.StatusOK, ts.do(http.MethodPost, protocol.Path, body).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodPost, protocol.Path, body).Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(http.MethodPost, protocol.Path, body).Code)
}

func TestConfig_Get(t *testing.T) {
	rec := newTestServer(t).do(http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg risk.Config
	decode(t, rec, &cfg)
	assert.Equal(t, risk.Thresholds{Allow: 75, Review: 40}, cfg.Thresholds)
	assert.Len(t, cfg.Enabled, len(risk.DefaultImpacts))
	assert.True(t, cfg.Enabled[risk.RuleEmptyBehavior])
}

func TestConfig_UpdateThresholds(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPut, "/api/config/thresholds", []byte(`{"allow_threshold":30,"review_threshold":60}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, risk.DefaultThresholds(), ts.srv.engine.Config().Thresholds, "previous config kept")

	rec = ts.do(http.MethodPut, "/api/config/thresholds", []byte(`{"allow_threshold":90,"review_threshold":50}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg risk.Config
	decode(t, rec, &cfg)
	assert.Equal(t, risk.Thresholds{Allow: 90, Review: 50}, cfg.Thresholds)
}

func TestConfig_UpdateRules(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPut, "/api/config/rules", []byte(`{"telepathy":true}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPut, "/api/config/rules", []byte(`{"emptyUserBehavior":false}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ts.srv.engine.Config().Enabled[risk.RuleEmptyBehavior])
}

func TestCheckout_Gated(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/checkout", healthyPayload(t, risk.CallContext{Amount: 99.5}))
	require.Equal(t, http.StatusOK, rec.Code)
	var ok map[string]interface{}
	decode(t, rec, &ok)
	assert.Equal(t, true, ok["success"])
	assert.Equal(t, "allow", ok["status"])

	rec = ts.do(http.MethodPost, "/api/checkout", []byte(`{}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Action blocked")
}

func TestCheckout_NewDeviceStepsUp(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/checkout", healthyPayload(t, risk.CallContext{AccountID: "acct-9"}))
	require.Equal(t, http.StatusForbidden, rec.Code)

	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, true, resp["requiresAdditionalVerification"])
	assert.Equal(t, "review", resp["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, protocol.Path, healthyPayload(t, risk.CallContext{}))

	rec := ts.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "identity_shield_decisions_total"))
}
