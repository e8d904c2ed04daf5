package fingerprint

import (
	"os"
	"runtime"
	"strings"
	"time"
)

// Static is an Environment backed by fixed values.
// A nil CanvasFunc or WebGLFunc reports the probe as unsupported.
type Static struct {
	UA          string
	Lang        string
	Width       int
	Height      int
	Zone        string
	Cores       int
	OS          string
	Depth       int
	PluginNames []string
	CanvasFunc  func() (string, error)
	WebGLFunc   func() (string, error)
}

func (s Static) UserAgent() string  { return s.UA }
func (s Static) Language() string   { return s.Lang }
func (s Static) Screen() (int, int) { return s.Width, s.Height }
func (s Static) Timezone() string   { return s.Zone }
func (s Static) CPUCores() int      { return s.Cores }
func (s Static) Platform() string   { return s.OS }
func (s Static) ColorDepth() int    { return s.Depth }
func (s Static) Plugins() []string  { return s.PluginNames }

func (s Static) Canvas() (string, error) {
	if s.CanvasFunc == nil {
		return "", ErrUnsupported
	}
	return s.CanvasFunc()
}

func (s Static) WebGLRenderer() (string, error) {
	if s.WebGLFunc == nil {
		return "", ErrUnsupported
	}
	return s.WebGLFunc()
}

// Value returns a probe that always yields v
func Value(v string) func() (string, error) {
	return func() (string, error) { return v, nil }
}

// Host describes the running Go process as a device.
// Display probes are not available and degrade accordingly.
type Host struct {
	// Agent identifies the embedding client, e.g. "acme-cli/1.2"
	Agent string
}

func (h Host) UserAgent() string {
	if h.Agent != "" {
		return h.Agent
	}
	return "go/" + runtime.Version()
}

func (Host) Language() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			// en_US.UTF-8 -> en-US
			v, _, _ = strings.Cut(v, ".")
			return strings.ReplaceAll(v, "_", "-")
		}
	}
	return "en-US"
}

func (Host) Screen() (int, int) { return 0, 0 }
func (Host) Timezone() string   { return time.Local.String() }
func (Host) CPUCores() int      { return runtime.NumCPU() }
func (Host) Platform() string   { return runtime.GOOS + "/" + runtime.GOARCH }
func (Host) ColorDepth() int    { return 0 }
func (Host) Plugins() []string  { return nil }

func (Host) Canvas() (string, error)        { return "", ErrUnsupported }
func (Host) WebGLRenderer() (string, error) { return "", ErrUnsupported }
