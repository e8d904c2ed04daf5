// Package risk scores telemetry snapshots with toggleable rules and maps the
// result to an allow, review or deny decision.
package risk

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingTelemetry means the snapshot lacks device or behavior data
	ErrMissingTelemetry = errors.New("risk: missing device or behavior telemetry")
	// ErrInvalidThresholdConfig means 0 <= review < allow <= 100 does not hold
	ErrInvalidThresholdConfig = errors.New("risk: invalid threshold config")
	// ErrUnknownRule means a config names a rule that is not registered
	ErrUnknownRule = errors.New("risk: unknown rule")
	// ErrDuplicateRule means two registered rules share a name
	ErrDuplicateRule = errors.New("risk: duplicate rule")
)

// Status is the outcome class of a decision
type Status string

const (
	StatusAllow  Status = "allow"
	StatusReview Status = "review"
	StatusDeny   Status = "deny"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusAllow, StatusReview, StatusDeny:
		return true
	}
	return false
}

// Score bounds
const (
	Baseline = 100
	MinScore = 0
	MaxScore = 100

	// MissingDataScore is the fixed score of a decision on incomplete telemetry
	MissingDataScore = 10
)

// Default thresholds
const (
	DefaultAllowThreshold  = 75
	DefaultReviewThreshold = 40
)

// Thresholds maps a score to a status: below Review is deny,
// [Review, Allow) is review and Allow or above is allow.
type Thresholds struct {
	Allow  int `yaml:"allow_threshold" json:"allow_threshold"`
	Review int `yaml:"review_threshold" json:"review_threshold"`
}

// DefaultThresholds returns allow 75 / review 40
func DefaultThresholds() Thresholds {
	return Thresholds{Allow: DefaultAllowThreshold, Review: DefaultReviewThreshold}
}

// Validate checks 0 <= review < allow <= 100
func (t Thresholds) Validate() error {
	if t.Review < MinScore || t.Allow > MaxScore || t.Review >= t.Allow {
		return fmt.Errorf("%w: review=%d allow=%d", ErrInvalidThresholdConfig, t.Review, t.Allow)
	}
	return nil
}

// Classify maps score to a status
func (t Thresholds) Classify(score int) Status {
	switch {
	case score >= t.Allow:
		return StatusAllow
	case score >= t.Review:
		return StatusReview
	default:
		return StatusDeny
	}
}

// CallContext is optional per-call information about the guarded action
type CallContext struct {
	AccountID string  `json:"accountId,omitempty"`
	Action    string  `json:"action,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
}

// RuleResult is one rule's contribution. Delta is zero unless Triggered.
type RuleResult struct {
	Rule      string `json:"rule"`
	Label     string `json:"label"`
	Delta     int    `json:"delta"`
	Triggered bool   `json:"triggered"`
	Error     string `json:"error,omitempty"`
}

// Decision is the engine's verdict for one snapshot. It is never mutated after creation.
type Decision struct {
	Status    Status       `json:"status"`
	Score     int          `json:"score"`
	Message   string       `json:"message"`
	SessionID string       `json:"session_id"`
	Breakdown []RuleResult `json:"breakdown,omitempty"`
}

// Triggered returns the names of rules that fired
func (d Decision) Triggered() []string {
	var names []string
	for _, r := range d.Breakdown {
		if r.Triggered {
			names = append(names, r.Rule)
		}
	}
	return names
}
