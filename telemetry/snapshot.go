// Package telemetry assembles device, behavior and session data into immutable snapshots.
package telemetry

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gregolly/identity-shield-sdk/behavior"
	"github.com/gregolly/identity-shield-sdk/fingerprint"
)

var (
	ErrMissingFingerprint = errors.New("telemetry: missing device fingerprint")
	ErrMissingBehavior    = errors.New("telemetry: missing behavior metrics")
)

// Session tracks one visit. PagesVisited is append-only.
type Session struct {
	ID           string   `json:"id"`
	StartTime    int64    `json:"startTime"` // unix millis
	Referrer     string   `json:"referrer"`
	PagesVisited []string `json:"pagesVisited"`
}

// NewSession creates a session with a random id
func NewSession(referrer string, start time.Time) Session {
	return Session{
		ID:        uuid.NewString(),
		StartTime: start.UnixMilli(),
		Referrer:  referrer,
	}
}

// Started returns StartTime as a time.Time
func (s Session) Started() time.Time {
	return time.UnixMilli(s.StartTime)
}

func (s Session) clone() Session {
	s.PagesVisited = append([]string(nil), s.PagesVisited...)
	return s
}

// NetworkInfo is optional connection data. Country is an ISO 3166 alpha-2 code.
type NetworkInfo struct {
	IP             string `json:"ip,omitempty"`
	ConnectionType string `json:"connectionType,omitempty"`
	Country        string `json:"country,omitempty"`
}

// Location is an optional geolocation fix
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Snapshot is the full telemetry payload sent for one verification
type Snapshot struct {
	Device   *fingerprint.DeviceFingerprint `json:"device"`
	Behavior *behavior.Metrics              `json:"behavior"`
	Session  Session                        `json:"session"`
	Network  *NetworkInfo                   `json:"network,omitempty"`
	Location *Location                      `json:"location,omitempty"`
}

// Build assembles a snapshot. Fingerprint and behavior are mandatory;
// network and location may be nil. Every input is copied.
func Build(fp *fingerprint.DeviceFingerprint, m *behavior.Metrics, s Session, n *NetworkInfo, l *Location) (*Snapshot, error) {
	if fp == nil {
		return nil, ErrMissingFingerprint
	}
	if m == nil {
		return nil, ErrMissingBehavior
	}

	dev := fp.Clone()
	beh := *m
	snap := &Snapshot{
		Device:   &dev,
		Behavior: &beh,
		Session:  s.clone(),
	}
	if n != nil {
		nc := *n
		snap.Network = &nc
	}
	if l != nil {
		lc := *l
		snap.Location = &lc
	}
	return snap, nil
}

// Complete reports whether the mandatory parts are present
func (s *Snapshot) Complete() bool {
	return s != nil && s.Device != nil && s.Behavior != nil
}

// Clone returns a deep copy
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{Session: s.Session.clone()}
	if s.Device != nil {
		d := s.Device.Clone()
		out.Device = &d
	}
	if s.Behavior != nil {
		b := *s.Behavior
		out.Behavior = &b
	}
	if s.Network != nil {
		n := *s.Network
		out.Network = &n
	}
	if s.Location != nil {
		l := *s.Location
		out.Location = &l
	}
	return out
}
