package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gregolly/identity-shield-sdk/fingerprint"
	"github.com/gregolly/identity-shield-sdk/telemetry"
)

// Built-in rule names
const (
	RuleNewDevice         = "newDevice"
	RuleIPGeolocation     = "ipGeolocation"
	RuleTooFastNavigation = "tooFastNavigation"
	RuleUnusualBehavior   = "unusualUserBehavior"
	RuleEmptyBehavior     = "emptyUserBehavior"
	RuleBrowserSpoofing   = "browserSpoofing"
	RuleHighRiskCountry   = "highRiskCountry"
	RuleLowInteraction    = "lowInteraction"
	RuleShortDwellTime    = "shortDwellTime"
)

// DefaultImpacts are the deltas applied when a built-in rule fires
var DefaultImpacts = map[string]int{
	RuleNewDevice:         -30,
	RuleIPGeolocation:     -30,
	RuleTooFastNavigation: -15,
	RuleUnusualBehavior:   -15,
	RuleEmptyBehavior:     -25,
	RuleBrowserSpoofing:   -35,
	RuleHighRiskCountry:   -20,
	RuleLowInteraction:    -20,
	RuleShortDwellTime:    -15,
}

var labels = map[string]string{
	RuleNewDevice:         "New Device Detection",
	RuleIPGeolocation:     "Suspicious IP/Geolocation",
	RuleTooFastNavigation: "Unrealistic Navigation Speed",
	RuleUnusualBehavior:   "Unusual User Behavior Pattern",
	RuleEmptyBehavior:     "Empty User Behavior Data",
	RuleBrowserSpoofing:   "Browser Fingerprint Spoofing",
	RuleHighRiskCountry:   "Connection from High-Risk Country",
	RuleLowInteraction:    "Low Interaction Volume",
	RuleShortDwellTime:    "Short Dwell Time",
}

// DeviceHistory answers whether an account has been seen on a device before
type DeviceHistory interface {
	Known(ctx context.Context, accountID, fingerprint string) (bool, error)
}

// Params holds every tunable of the built-in rules
type Params struct {
	MinMouseMovements int     `yaml:"min_mouse_movements" json:"min_mouse_movements"`
	MinClicks         int     `yaml:"min_clicks" json:"min_clicks"`
	MinTimeOnPage     int     `yaml:"min_time_on_page" json:"min_time_on_page"`
	MinSecondsPerPage float64 `yaml:"min_seconds_per_page" json:"min_seconds_per_page"`

	// normal envelope, per second of dwell time
	MaxMouseRate       float64 `yaml:"max_mouse_per_second" json:"max_mouse_per_second"`
	MaxKeyRate         float64 `yaml:"max_keys_per_second" json:"max_keys_per_second"`
	MaxClickRate       float64 `yaml:"max_clicks_per_second" json:"max_clicks_per_second"`
	MaxTabFocusChanges int     `yaml:"max_tab_focus_changes" json:"max_tab_focus_changes"`

	MaxCPUCores int `yaml:"max_cpu_cores" json:"max_cpu_cores"`

	TrustedCountries  []string `yaml:"trusted_countries" json:"trusted_countries"`
	TrustedRegions    []Region `yaml:"trusted_regions" json:"trusted_regions"`
	HighRiskCountries []string `yaml:"high_risk_countries" json:"high_risk_countries"`
	HighRiskCIDRs     []string `yaml:"high_risk_cidrs" json:"high_risk_cidrs"`

	// Impacts overrides DefaultImpacts per rule name
	Impacts map[string]int `yaml:"impacts" json:"impacts"`
}

// DefaultParams returns the stock tuning
func DefaultParams() Params {
	return Params{
		MinMouseMovements:  10,
		MinClicks:          1,
		MinTimeOnPage:      5,
		MinSecondsPerPage:  2,
		MaxMouseRate:       200,
		MaxKeyRate:         15,
		MaxClickRate:       5,
		MaxTabFocusChanges: 20,
		MaxCPUCores:        256,
	}
}

// Validate rejects tunings that cannot be evaluated
func (p Params) Validate() error {
	var errs []error
	if p.MinMouseMovements < 0 || p.MinClicks < 0 || p.MinTimeOnPage < 0 || p.MinSecondsPerPage < 0 {
		errs = append(errs, errors.New("risk: interaction floors must not be negative"))
	}
	if p.MaxMouseRate <= 0 || p.MaxKeyRate <= 0 || p.MaxClickRate <= 0 {
		errs = append(errs, errors.New("risk: rate envelope must be positive"))
	}
	for _, r := range p.TrustedRegions {
		if err := r.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseNets(p.HighRiskCIDRs); err != nil {
		errs = append(errs, err)
	}
	for name := range p.Impacts {
		if _, ok := DefaultImpacts[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownRule, name))
		}
	}
	return errors.Join(errs...)
}

func (p Params) impact(name string) int {
	if v, ok := p.Impacts[name]; ok {
		return v
	}
	return DefaultImpacts[name]
}

// Builtins returns the built-in rules in their canonical order.
// history may be nil, in which case newDevice never fires.
func Builtins(p Params, history DeviceHistory) ([]Rule, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	riskNets, _ := ParseNets(p.HighRiskCIDRs)

	mk := func(name string, fn EvalFunc) Rule {
		return NewRule(name, labels[name], p.impact(name), fn)
	}

	return []Rule{
		mk(RuleNewDevice, newDevice(history)),
		mk(RuleIPGeolocation, ipGeolocation(p)),
		mk(RuleTooFastNavigation, tooFastNavigation(p)),
		mk(RuleUnusualBehavior, unusualBehavior(p)),
		mk(RuleEmptyBehavior, emptyBehavior),
		mk(RuleBrowserSpoofing, browserSpoofing(p)),
		mk(RuleHighRiskCountry, highRiskCountry(p, riskNets)),
		mk(RuleLowInteraction, lowInteraction(p)),
		mk(RuleShortDwellTime, shortDwellTime(p)),
	}, nil
}

// ============================================================
// Rule Conditions
// ============================================================

func newDevice(history DeviceHistory) EvalFunc {
	return func(ctx context.Context, snap *telemetry.Snapshot, call CallContext) (bool, error) {
		if history == nil || call.AccountID == "" {
			return false, nil
		}
		known, err := history.Known(ctx, call.AccountID, snap.Device.Fingerprint)
		if err != nil {
			return false, fmt.Errorf("device history: %w", err)
		}
		return !known, nil
	}
}

func ipGeolocation(p Params) EvalFunc {
	return func(_ context.Context, snap *telemetry.Snapshot, _ CallContext) (bool, error) {
		if n := snap.Network; n != nil {
			if IsDatacenterIP(n.IP) {
				return true, nil
			}
			if len(p.TrustedCountries) > 0 && n.Country != "" && !countryIn(p.TrustedCountries, n.Country) {
				return true, nil
			}
		}
		if l := snap.Location; l != nil && len(p.TrustedRegions) > 0 {
			for _, r := range p.TrustedRegions {
				if r.Contains(l.Latitude, l.Longitude) {
					return false, nil
				}
			}
			return true, nil
		}
		return false, nil
	}
}

func tooFastNavigation(p Params) EvalFunc {
	return func(_ context.Context, snap *telemetry.Snapshot, _ CallContext) (bool, error) {
		pages := len(snap.Session.PagesVisited)
		if pages < 2 {
			return false, nil
		}
		perPage := float64(snap.Behavior.TimeOnPage) / float64(pages-1)
		return perPage < p.MinSecondsPerPage, nil
	}
}

func unusualBehavior(p Params) EvalFunc {
	return func(_ context.Context, snap *telemetry.Snapshot, _ CallContext) (bool, error) {
		b := snap.Behavior
		secs := math.Max(float64(b.TimeOnPage), 1)

		switch {
		case float64(b.MouseMovements)/secs > p.MaxMouseRate:
			return true, nil
		case float64(b.KeyPresses)/secs > p.MaxKeyRate:
			return true, nil
		case float64(b.Clicks)/secs > p.MaxClickRate:
			return true, nil
		case p.MaxTabFocusChanges > 0 && b.TabFocusChanges > p.MaxTabFocusChanges:
			return true, nil
		}
		return false, nil
	}
}

func emptyBehavior(_ context.Context, snap *telemetry.Snapshot, _ CallContext) (bool, error) {
	return snap.Behavior.MouseMovements == 0 && snap.Behavior.Clicks == 0, nil
}

func browserSpoofing(p Params) EvalFunc {
	return func(_ context.Context, snap *telemetry.Snapshot, _ CallContext) (bool, error) {
		d := snap.Device

		// the id must be derivable from the components it claims to summarize
		if d.Fingerprint != fingerprint.ComposeID(*d) {
			return true, nil
		}

		ua := ParseUserAgent(d.UserAgent)
		if ua.IsBot {
			return true, nil
		}
		if PlatformMismatch(ua.OS, d.Platform) {
			return true, nil
		}
		if IsSoftwareRenderer(d.WebGL) {
			return true, nil
		}
		if d.CPUCores < 1 || (p.MaxCPUCores > 0 && d.CPUCores > p.MaxCPUCores) {
			return true, nil
		}
		if !plausibleResolution(d.ScreenResolution) {
			return true, nil
		}
		return false, nil
	}
}

func highRiskCountry(p Params, nets NetSet) EvalFunc {
	return func(_ context.Context, snap *telemetry.Snapshot, _ CallContext) (bool, error) {
		n := snap.Network
		if n == nil {
			return false, nil
		}
		if n.Country != "" && countryIn(p.HighRiskCountries, n.Country) {
			return true, nil
		}
		return nets.Contains(n.IP), nil
	}
}

func lowInteraction(p Params) EvalFunc {
	return func(_ context.Context, snap *telemetry.Snapshot, _ CallContext) (bool, error) {
		b := snap.Behavior
		return b.MouseMovements < p.MinMouseMovements || b.Clicks < p.MinClicks, nil
	}
}

func shortDwellTime(p Params) EvalFunc {
	return func(_ context.Context, snap *telemetry.Snapshot, _ CallContext) (bool, error) {
		return snap.Behavior.TimeOnPage < p.MinTimeOnPage, nil
	}
}

// plausibleResolution accepts "WxH" with both sides in a physical display range
func plausibleResolution(res string) bool {
	ws, hs, ok := strings.Cut(res, "x")
	if !ok {
		return false
	}
	w, err1 := strconv.Atoi(ws)
	h, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil {
		return false
	}
	return w >= 100 && h >= 100 && w <= 16384 && h <= 16384
}
