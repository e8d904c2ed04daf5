// Package protocol defines the verification request/response contract and
// a fail-closed HTTP client for it.
package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/gregolly/identity-shield-sdk/risk"
	"github.com/gregolly/identity-shield-sdk/telemetry"
)

var (
	// ErrProtocolTimeout means no decision arrived before the caller's deadline
	ErrProtocolTimeout = errors.New("protocol: verification timed out")
	// ErrProtocolUnavailable means the verifier could not be reached or answered badly
	ErrProtocolUnavailable = errors.New("protocol: verifier unavailable")
	// ErrSessionMismatch means a decision names a session other than the one asked about
	ErrSessionMismatch = errors.New("protocol: decision for another session")
)

// Path is where the verification endpoint is mounted
const Path = "/api/identity/verify"

// Request is one snapshot plus optional context about the guarded action
type Request struct {
	telemetry.Snapshot
	Context risk.CallContext `json:"context,omitempty"`
}

// NewRequest wraps a snapshot. The snapshot is copied.
func NewRequest(snap *telemetry.Snapshot, call risk.CallContext) Request {
	req := Request{Context: call}
	if c := snap.Clone(); c != nil {
		req.Snapshot = *c
	}
	return req
}

// Response carries the decision and, when the verifier signs them, a token
// that lets a later step prove the decision without asking again.
type Response struct {
	risk.Decision
	Token string `json:"token,omitempty"`
}

// Verifier turns a request into a decision.
// Implementations return ErrProtocolTimeout or ErrProtocolUnavailable
// (possibly wrapped) when no decision could be obtained.
type Verifier interface {
	Verify(ctx context.Context, req Request) (Response, error)
}

// VerifierFunc adapts a function to Verifier
type VerifierFunc func(ctx context.Context, req Request) (Response, error)

func (f VerifierFunc) Verify(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// CheckSession reports an ErrProtocolUnavailable wrapping ErrSessionMismatch
// unless resp is a decision for req's session.
func CheckSession(req Request, resp Response) error {
	if resp.SessionID == "" || resp.SessionID != req.Session.ID {
		return fmt.Errorf("%w: %w: asked %q, answered %q",
			ErrProtocolUnavailable, ErrSessionMismatch, req.Session.ID, resp.SessionID)
	}
	return nil
}

// Deny is the decision-equivalent of a failed verification
func Deny(sessionID string, err error) Response {
	msg := risk.MessageDeny
	if err != nil {
		msg = "Verification unavailable: " + err.Error()
	}
	return Response{Decision: risk.Decision{
		Status:    risk.StatusDeny,
		Score:     risk.MinScore,
		Message:   msg,
		SessionID: sessionID,
	}}
}

// Submit snapshots a live collector and verifies it. When no decision can be
// obtained the returned response is the Deny equivalent, alongside the error.
func Submit(ctx context.Context, v Verifier, c *telemetry.Collector, call risk.CallContext) (Response, error) {
	snap, err := c.Snapshot()
	if err != nil {
		return Deny(c.SessionID(), err), err
	}
	req := NewRequest(snap, call)
	resp, err := v.Verify(ctx, req)
	if err == nil {
		err = CheckSession(req, resp)
	}
	if err != nil {
		return Deny(c.SessionID(), err), err
	}
	return resp, nil
}
