package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDatacenterIP(t *testing.T) {
	assert.True(t, IsDatacenterIP("3.5.140.2"))
	assert.True(t, IsDatacenterIP("142.93.12.1"))
	assert.False(t, IsDatacenterIP("73.15.2.9"))
	assert.False(t, IsDatacenterIP("not an ip"))
	assert.False(t, IsDatacenterIP(""))
}

func TestParseNets(t *testing.T) {
	nets, err := ParseNets([]string{"10.0.0.0/8", " 2001:db8::/32 "})
	require.NoError(t, err)
	assert.True(t, nets.Contains("10.1.2.3"))
	assert.True(t, nets.Contains("2001:db8::1"))
	assert.False(t, nets.Contains("192.168.0.1"))

	_, err = ParseNets([]string{"10.0.0.0/33"})
	assert.Error(t, err)
}

func TestRegion(t *testing.T) {
	eu := Region{Name: "eu", MinLat: 35, MaxLat: 71, MinLon: -10, MaxLon: 40}
	assert.True(t, eu.Contains(52.52, 13.40))
	assert.True(t, eu.Contains(35, -10))
	assert.False(t, eu.Contains(40.7, -74))
	assert.NoError(t, eu.validate())
	assert.Error(t, Region{MinLat: -91, MaxLat: 0}.validate())
}

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		ua      string
		browser string
		os      string
		mobile  bool
		bot     bool
	}{
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", "Chrome", "Windows", false, false},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15", "Safari", "macOS", false, false},
		{"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Mobile Safari/537.36", "Chrome", "Android", true, false},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 Version/17.1 Mobile/15E148 Safari/604.1", "Safari", "iOS", true, false},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0", "Firefox", "Linux", false, false},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0 Safari/537.36 Edg/120.0", "Edge", "Windows", false, false},
		{"curl/8.4.0", "", "", false, true},
		{"python-requests/2.31", "", "", false, true},
	}
	for _, tt := range tests {
		info := ParseUserAgent(tt.ua)
		assert.Equal(t, tt.bot, info.IsBot, tt.ua)
		if tt.bot {
			continue
		}
		assert.Equal(t, tt.browser, info.Browser, tt.ua)
		assert.Equal(t, tt.os, info.OS, tt.ua)
		assert.Equal(t, tt.mobile, info.IsMobile, tt.ua)
	}
}

func TestPlatformMismatch(t *testing.T) {
	assert.False(t, PlatformMismatch("Windows", "Win32"))
	assert.True(t, PlatformMismatch("Windows", "MacIntel"))
	assert.False(t, PlatformMismatch("Android", "Linux armv8l"))
	assert.False(t, PlatformMismatch("iOS", "iPhone"))
	assert.True(t, PlatformMismatch("Linux", "Win32"))
	assert.False(t, PlatformMismatch("", "Win32"))
	assert.False(t, PlatformMismatch("Windows", ""))
}

func TestIsSoftwareRenderer(t *testing.T) {
	assert.True(t, IsSoftwareRenderer("Google SwiftShader"))
	assert.True(t, IsSoftwareRenderer("llvmpipe (LLVM 15.0.7, 256 bits)"))
	assert.False(t, IsSoftwareRenderer("ANGLE (Apple, Apple M2, OpenGL 4.1)"))
}
