package risk

import (
	"regexp"
	"strings"

	"github.com/avct/uasurfer"
)

// =============================================================================
// User-Agent Analysis
// =============================================================================

// UserAgentInfo extracted from a User-Agent string
type UserAgentInfo struct {
	Browser  string
	Version  string
	OS       string
	IsMobile bool
	IsBot    bool
	BotName  string
}

var botUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)headless`),
	regexp.MustCompile(`(?i)phantomjs`),
	regexp.MustCompile(`(?i)selenium`),
	regexp.MustCompile(`(?i)webdriver`),
	regexp.MustCompile(`(?i)puppeteer`),
	regexp.MustCompile(`(?i)playwright`),
	regexp.MustCompile(`(?i)bot`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)crawler`),
	regexp.MustCompile(`(?i)curl`),
	regexp.MustCompile(`(?i)wget`),
	regexp.MustCompile(`(?i)python`),
	regexp.MustCompile(`(?i)java\/`),
	regexp.MustCompile(`(?i)node-fetch`),
	regexp.MustCompile(`(?i)go-http`),
	regexp.MustCompile(`(?i)okhttp`),
}

var (
	chromePattern  = regexp.MustCompile(`Chrome\/(\d+)`)
	firefoxPattern = regexp.MustCompile(`Firefox\/(\d+)`)
	safariPattern  = regexp.MustCompile(`Version\/(\d+).*Safari`)
	edgePattern    = regexp.MustCompile(`Edg\/(\d+)`)
)

// ParseUserAgent extracts browser info from a UA string
func ParseUserAgent(ua string) UserAgentInfo {
	info := UserAgentInfo{}

	for _, pattern := range botUAPatterns {
		if match := pattern.FindString(ua); match != "" {
			info.IsBot = true
			info.BotName = strings.ToLower(match)
			return info
		}
	}

	if match := edgePattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser, info.Version = "Edge", match[1]
	} else if match := chromePattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser, info.Version = "Chrome", match[1]
	} else if match := firefoxPattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser, info.Version = "Firefox", match[1]
	} else if match := safariPattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser, info.Version = "Safari", match[1]
	}

	parsed := uasurfer.Parse(ua)
	info.OS = osNames[parsed.OS.Name]
	if info.OS == "" {
		info.OS = osFromTokens(ua)
	}

	info.IsMobile = parsed.DeviceType == uasurfer.DevicePhone ||
		parsed.DeviceType == uasurfer.DeviceTablet ||
		info.OS == "Android" || info.OS == "iOS" ||
		strings.Contains(ua, "Mobile")
	return info
}

var osNames = map[uasurfer.OSName]string{
	uasurfer.OSWindows:  "Windows",
	uasurfer.OSMacOSX:   "macOS",
	uasurfer.OSiOS:      "iOS",
	uasurfer.OSAndroid:  "Android",
	uasurfer.OSChromeOS: "ChromeOS",
	uasurfer.OSLinux:    "Linux",
}

// osFromTokens covers UAs the parser leaves unclassified
func osFromTokens(ua string) string {
	// mobile platforms first, Android UAs also contain "Linux"
	switch {
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		return "iOS"
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Mac OS X"), strings.Contains(ua, "Macintosh"):
		return "macOS"
	case strings.Contains(ua, "CrOS"):
		return "ChromeOS"
	case strings.Contains(ua, "Linux"):
		return "Linux"
	}
	return ""
}

// platformTokens lists navigator.platform fragments each OS may report
var platformTokens = map[string][]string{
	"Windows":  {"Win"},
	"macOS":    {"Mac"},
	"Linux":    {"Linux"},
	"ChromeOS": {"Linux", "CrOS"},
	"Android":  {"Linux", "Android", "arm"},
	"iOS":      {"iPhone", "iPad", "iPod", "Mac"},
}

// PlatformMismatch reports whether the OS claimed by the UA contradicts
// the reported platform. Unknown or empty values never mismatch.
func PlatformMismatch(uaOS, platform string) bool {
	tokens, ok := platformTokens[uaOS]
	if !ok || platform == "" {
		return false
	}
	for _, tok := range tokens {
		if strings.Contains(platform, tok) {
			return false
		}
	}
	return true
}

var softwareRenderers = []string{"swiftshader", "llvmpipe", "software rasterizer"}

// IsSoftwareRenderer reports a software WebGL renderer, typical of headless browsers
func IsSoftwareRenderer(renderer string) bool {
	r := strings.ToLower(renderer)
	for _, s := range softwareRenderers {
		if strings.Contains(r, s) {
			return true
		}
	}
	return false
}
