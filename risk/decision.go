package risk

import "strings"

// Status messages
const (
	MessageAllow       = "Verification successful. User behavior appears normal."
	MessageReview      = "Some unusual patterns detected. Additional verification recommended."
	MessageDeny        = "High risk activity detected. Access should be blocked."
	MessageMissingData = "Missing critical data for verification"
)

// Decide folds rule results into a decision. Deltas are summed from the
// baseline and the total is clamped once, so the order of results never
// changes the score.
func Decide(results []RuleResult, th Thresholds, sessionID string) Decision {
	score := Baseline
	var labels []string
	for _, r := range results {
		if !r.Triggered {
			continue
		}
		score += r.Delta
		labels = append(labels, r.Label)
	}
	score = clamp(score)

	status := th.Classify(score)
	return Decision{
		Status:    status,
		Score:     score,
		Message:   message(status, labels),
		SessionID: sessionID,
		Breakdown: append([]RuleResult(nil), results...),
	}
}

// MissingDataDecision is the fixed deny returned for incomplete telemetry,
// independent of thresholds.
func MissingDataDecision(sessionID string) Decision {
	return Decision{
		Status:    StatusDeny,
		Score:     MissingDataScore,
		Message:   MessageMissingData,
		SessionID: sessionID,
	}
}

func message(status Status, labels []string) string {
	var base string
	switch status {
	case StatusAllow:
		base = MessageAllow
	case StatusReview:
		base = MessageReview
	default:
		base = MessageDeny
	}
	if len(labels) == 0 {
		return base
	}
	return base + " Triggered: " + strings.Join(labels, ", ") + "."
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
