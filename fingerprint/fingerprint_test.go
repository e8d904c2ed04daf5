package fingerprint_test

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregolly/identity-shield-sdk/fingerprint"
)

func desktop() fingerprint.Static {
	return fingerprint.Static{
		UA:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0",
		Lang:        "en-US",
		Width:       1920,
		Height:      1080,
		Zone:        "Europe/Berlin",
		Cores:       8,
		OS:          "Win32",
		Depth:       24,
		PluginNames: []string{"PDF Viewer", "Chrome PDF Viewer"},
		CanvasFunc:  fingerprint.Value("data:image/png;base64,iVBORw0KGgo"),
		WebGLFunc:   fingerprint.Value("ANGLE (NVIDIA GeForce RTX 3070)"),
	}
}

func TestGenerate_Stable(t *testing.T) {
	env := desktop()

	a := fingerprint.Generate(env)
	b := fingerprint.Generate(env)

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Equal(t, "1920x1080", a.ScreenResolution)
	assert.Equal(t, fingerprint.ComposeID(a), a.Fingerprint)
}

func TestComposeID_Order(t *testing.T) {
	fp := fingerprint.Generate(desktop())
	parts := strings.Split(fp.Fingerprint, fingerprint.Separator)

	require.Len(t, parts, 10)
	assert.Equal(t, fp.UserAgent, parts[0])
	assert.Equal(t, "en-US", parts[1])
	assert.Equal(t, "1920x1080", parts[2])
	assert.Equal(t, "Europe/Berlin", parts[3])
	assert.Equal(t, "8", parts[4])
	assert.Equal(t, "Win32", parts[5])
	assert.Equal(t, "24", parts[6])
	assert.Equal(t, "PDF Viewer,Chrome PDF Viewer", parts[7])
	assert.Equal(t, "ANGLE (NVIDIA GeForce RTX 3070)", parts[9])
}

func TestGenerate_DegradedProbes(t *testing.T) {
	tests := []struct {
		name       string
		canvas     func() (string, error)
		webgl      func() (string, error)
		wantCanvas string
		wantWebGL  string
	}{
		{
			name:       "unsupported",
			wantCanvas: fingerprint.CanvasUnsupported,
			wantWebGL:  fingerprint.WebGLUnsupported,
		},
		{
			name:       "failing",
			canvas:     func() (string, error) { return "", errors.New("tainted") },
			webgl:      func() (string, error) { return "", errors.New("context lost") },
			wantCanvas: fingerprint.CanvasError,
			wantWebGL:  fingerprint.WebGLError,
		},
		{
			name:       "panicking",
			canvas:     func() (string, error) { panic("boom") },
			webgl:      func() (string, error) { panic("boom") },
			wantCanvas: fingerprint.CanvasError,
			wantWebGL:  fingerprint.WebGLError,
		},
		{
			name:       "limited renderer",
			canvas:     fingerprint.Value("ok"),
			webgl:      func() (string, error) { return "", fingerprint.ErrLimitedInfo },
			wantCanvas: "ok",
			wantWebGL:  fingerprint.WebGLLimitedInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := desktop()
			env.CanvasFunc = tt.canvas
			env.WebGLFunc = tt.webgl

			fp := fingerprint.Generate(env)
			assert.Equal(t, tt.wantCanvas, fp.Canvas)
			assert.Equal(t, tt.wantWebGL, fp.WebGL)
			assert.NotEmpty(t, fp.Fingerprint)
		})
	}
}

func TestGenerate_TruncatesSignatures(t *testing.T) {
	env := desktop()
	env.CanvasFunc = fingerprint.Value(strings.Repeat("a", 250))

	fp := fingerprint.Generate(env)
	assert.Len(t, fp.Canvas, 100)
}

func TestGenerate_TruncatesOnRuneBoundary(t *testing.T) {
	env := desktop()
	// 99 ASCII bytes then a 3-byte rune straddling the limit
	env.WebGLFunc = fingerprint.Value(strings.Repeat("a", 99) + "€€")

	fp := fingerprint.Generate(env)
	assert.True(t, utf8.ValidString(fp.WebGL))
	assert.Equal(t, strings.Repeat("a", 99), fp.WebGL)
}

type panickyEnv struct {
	fingerprint.Static
	panicScreen, panicUA, panicPlugins bool
}

func (e panickyEnv) Screen() (int, int) {
	if e.panicScreen {
		panic("screen gone")
	}
	return e.Static.Screen()
}

func (e panickyEnv) UserAgent() string {
	if e.panicUA {
		panic("navigator gone")
	}
	return e.Static.UserAgent()
}

func (e panickyEnv) Plugins() []string {
	if e.panicPlugins {
		panic("plugins gone")
	}
	return e.Static.Plugins()
}

func TestGenerate_ScalarProbePanicsDegrade(t *testing.T) {
	env := panickyEnv{Static: desktop(), panicScreen: true, panicUA: true, panicPlugins: true}

	var fp fingerprint.DeviceFingerprint
	require.NotPanics(t, func() { fp = fingerprint.Generate(env) })
	assert.Equal(t, "0x0", fp.ScreenResolution)
	assert.Empty(t, fp.UserAgent)
	assert.Empty(t, fp.Plugins)
	assert.Equal(t, "en-US", fp.Language)
	assert.Equal(t, 8, fp.CPUCores)
	assert.Equal(t, fp.Fingerprint, fingerprint.Generate(env).Fingerprint)
}

func TestGenerate_MissingCoresDefaultsToOne(t *testing.T) {
	env := desktop()
	env.Cores = 0

	assert.Equal(t, 1, fingerprint.Generate(env).CPUCores)
}

func TestGenerate_DifferentDevicesDiffer(t *testing.T) {
	a := desktop()
	b := desktop()
	b.Width, b.Height = 390, 844

	assert.NotEqual(t, fingerprint.Generate(a).Fingerprint, fingerprint.Generate(b).Fingerprint)
}

func TestClone_CopiesPlugins(t *testing.T) {
	fp := fingerprint.Generate(desktop())
	cp := fp.Clone()
	cp.Plugins[0] = "changed"

	assert.Equal(t, "PDF Viewer", fp.Plugins[0])
}

func TestHost(t *testing.T) {
	fp := fingerprint.Generate(fingerprint.Host{Agent: "shield-cli/1.0"})

	assert.Equal(t, "shield-cli/1.0", fp.UserAgent)
	assert.GreaterOrEqual(t, fp.CPUCores, 1)
	assert.Equal(t, fingerprint.CanvasUnsupported, fp.Canvas)
	assert.True(t, fp.Degraded())
}
