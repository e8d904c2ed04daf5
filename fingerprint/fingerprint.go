// Package fingerprint derives a stable device identifier from environment probes.
//
// Probes never abort generation. An unavailable graphics probe yields
// "<probe>-unsupported" and a failing or panicking one yields "<probe>-error".
// A panicking scalar probe leaves its component at the zero value.
package fingerprint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Separator joins fingerprint components into the composite id
const Separator = "###"

// Maximum length kept for canvas and renderer signatures
const maxSignatureLen = 100

var (
	// ErrUnsupported is returned by a probe the environment cannot provide
	ErrUnsupported = errors.New("fingerprint: probe unsupported")
	// ErrLimitedInfo is returned by the renderer probe when only masked info is exposed
	ErrLimitedInfo = errors.New("fingerprint: limited renderer info")
)

// Degraded probe values
const (
	CanvasUnsupported = "canvas-unsupported"
	CanvasError       = "canvas-error"
	WebGLUnsupported  = "webgl-unsupported"
	WebGLLimitedInfo  = "webgl-limited-info"
	WebGLError        = "webgl-error"
)

// DeviceFingerprint is the immutable device identity collected once per session
type DeviceFingerprint struct {
	Fingerprint      string   `json:"fingerprint"`
	UserAgent        string   `json:"userAgent"`
	ScreenResolution string   `json:"screenResolution"`
	ColorDepth       int      `json:"colorDepth"`
	Timezone         string   `json:"timezone"`
	Language         string   `json:"language"`
	Platform         string   `json:"platform"`
	Plugins          []string `json:"plugins"`
	Canvas           string   `json:"canvas"`
	WebGL            string   `json:"webGL"`
	CPUCores         int      `json:"cpuCores"`
}

// Environment exposes the probes a fingerprint is built from
type Environment interface {
	UserAgent() string
	Language() string
	Screen() (width, height int)
	Timezone() string
	CPUCores() int
	Platform() string
	ColorDepth() int
	Plugins() []string
	Canvas() (string, error)
	WebGLRenderer() (string, error)
}

// Generate probes env and returns the fingerprint with its composite id set.
// Two calls against the same environment return identical ids.
func Generate(env Environment) DeviceFingerprint {
	var w, h int
	guard(func() { w, h = env.Screen() })
	cores := scalar(env.CPUCores)
	if cores <= 0 {
		cores = 1
	}

	fp := DeviceFingerprint{
		UserAgent:        scalar(env.UserAgent),
		ScreenResolution: fmt.Sprintf("%dx%d", w, h),
		ColorDepth:       scalar(env.ColorDepth),
		Timezone:         scalar(env.Timezone),
		Language:         scalar(env.Language),
		Platform:         scalar(env.Platform),
		Plugins:          append([]string(nil), scalar(env.Plugins)...),
		Canvas:           probe(env.Canvas, CanvasUnsupported, CanvasError, CanvasError),
		WebGL:            probe(env.WebGLRenderer, WebGLUnsupported, WebGLLimitedInfo, WebGLError),
		CPUCores:         cores,
	}
	fp.Fingerprint = ComposeID(fp)
	return fp
}

// ComposeID joins the identifying components in their fixed order.
// The order is part of the wire contract and must not change.
func ComposeID(fp DeviceFingerprint) string {
	return strings.Join([]string{
		fp.UserAgent,
		fp.Language,
		fp.ScreenResolution,
		fp.Timezone,
		strconv.Itoa(fp.CPUCores),
		fp.Platform,
		strconv.Itoa(fp.ColorDepth),
		strings.Join(fp.Plugins, ","),
		fp.Canvas,
		fp.WebGL,
	}, Separator)
}

// Clone returns a deep copy of fp
func (fp DeviceFingerprint) Clone() DeviceFingerprint {
	fp.Plugins = append([]string(nil), fp.Plugins...)
	return fp
}

// Degraded reports whether the canvas or renderer probe failed
func (fp DeviceFingerprint) Degraded() bool {
	switch fp.Canvas {
	case CanvasUnsupported, CanvasError:
		return true
	}
	switch fp.WebGL {
	case WebGLUnsupported, WebGLError:
		return true
	}
	return false
}

func probe(fn func() (string, error), unsupported, limited, failed string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = failed
		}
	}()

	v, err := fn()
	switch {
	case errors.Is(err, ErrUnsupported):
		return unsupported
	case errors.Is(err, ErrLimitedInfo):
		return limited
	case err != nil:
		return failed
	}
	return truncate(v, maxSignatureLen)
}

// scalar returns fn's value, or the zero value if fn panics
func scalar[T any](fn func() T) (out T) {
	guard(func() { out = fn() })
	return out
}

func guard(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
