package risk_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gregolly/identity-shield-sdk/behavior"
	"github.com/gregolly/identity-shield-sdk/fingerprint"
	"github.com/gregolly/identity-shield-sdk/risk"
	"github.com/gregolly/identity-shield-sdk/telemetry"
)

const chromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func healthyDevice() fingerprint.DeviceFingerprint {
	return fingerprint.Generate(fingerprint.Static{
		UA:          chromeWindows,
		Lang:        "en-US",
		Width:       1920,
		Height:      1080,
		Zone:        "America/New_York",
		Cores:       8,
		OS:          "Win32",
		Depth:       24,
		PluginNames: []string{"PDF Viewer"},
		CanvasFunc:  fingerprint.Value("data:image/png;base64,AAAA"),
		WebGLFunc:   fingerprint.Value("ANGLE (NVIDIA GeForce GTX 1080 Direct3D11)"),
	})
}

func healthyBehavior() behavior.Metrics {
	return behavior.Metrics{
		TimeOnPage:       30,
		MouseMovements:   50,
		KeyPresses:       0,
		Clicks:           10,
		ScrollPercentage: 40,
	}
}

func snapshot(t *testing.T, fp *fingerprint.DeviceFingerprint, m *behavior.Metrics, mutate ...func(*telemetry.Snapshot)) *telemetry.Snapshot {
	t.Helper()
	snap, err := telemetry.Build(fp, m, telemetry.Session{ID: "sess-1", PagesVisited: []string{"/"}}, nil, nil)
	require.NoError(t, err)
	for _, fn := range mutate {
		fn(snap)
	}
	return snap
}

func healthySnapshot(t *testing.T, mutate ...func(*telemetry.Snapshot)) *telemetry.Snapshot {
	fp := healthyDevice()
	m := healthyBehavior()
	return snapshot(t, &fp, &m, mutate...)
}

func newEngine(t *testing.T, params risk.Params, history risk.DeviceHistory) *risk.Engine {
	t.Helper()
	rules, err := risk.Builtins(params, history)
	require.NoError(t, err)
	reg, err := risk.NewRegistry(rules...)
	require.NoError(t, err)
	return risk.NewEngine(reg)
}

type fakeHistory struct {
	known map[string]bool
	err   error
}

func (h fakeHistory) Known(_ context.Context, accountID, fp string) (bool, error) {
	if h.err != nil {
		return false, h.err
	}
	return h.known[accountID+"|"+fp], nil
}

var errHistoryDown = errors.New("history unavailable")
