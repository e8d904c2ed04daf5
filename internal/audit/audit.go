// Package audit ships high-risk decisions to downstream consumers.
package audit

import (
	"context"
	"time"
)

// Event describes one high-risk decision
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	Score      int       `json:"score"`
	Message    string    `json:"message"`
	Triggered  []string  `json:"triggered,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	Action     string    `json:"action,omitempty"`
	IP         string    `json:"ip,omitempty"`
	Country    string    `json:"country,omitempty"`
	DeviceHash string    `json:"device_hash,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventHighRisk is the type of events emitted for deny/review decisions
const EventHighRisk = "risk.high"

// Publisher accepts events without blocking the caller
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close(ctx context.Context) error
}

// Noop discards every event
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}
func (Noop) Close(context.Context) error    { return nil }
