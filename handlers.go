package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/gregolly/identity-shield-sdk/gate"
	"github.com/gregolly/identity-shield-sdk/internal/logging"
	"github.com/gregolly/identity-shield-sdk/internal/ratelimit"
	"github.com/gregolly/identity-shield-sdk/protocol"
	"github.com/gregolly/identity-shield-sdk/risk"
)

const maxBodyBytes = 1 << 20

type server struct {
	verifier protocol.Verifier
	engine   *risk.Engine
	gate     *gate.Gate
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) verifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		gate.FillNetwork(&req, r)

		resp, err := s.verifier.Verify(r.Context(), req)
		if err != nil {
			logging.FromContext(r.Context()).Error("verification failed",
				zap.String("session_id", req.Session.ID),
				zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error":   "Verification failed",
				"message": err.Error(),
			})
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *server) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.Config())
	}
}

func (s *server) rulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rules map[string]bool
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rules); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		s.applyConfig(w, r, risk.Update{Rules: rules})
	}
}

func (s *server) thresholdsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var th risk.Thresholds
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&th); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		s.applyConfig(w, r, risk.Update{Thresholds: &th})
	}
}

func (s *server) applyConfig(w http.ResponseWriter, r *http.Request, u risk.Update) {
	if err := s.engine.Apply(u); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, risk.ErrUnknownRule) || errors.Is(err, risk.ErrInvalidThresholdConfig) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	logging.FromContext(r.Context()).Info("risk config changed via api")
	writeJSON(w, http.StatusOK, s.engine.Config())
}

// checkoutHandler only runs once the gate let the request proceed
func checkoutHandler(w http.ResponseWriter, r *http.Request) {
	v, _ := gate.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"status":     v.Status,
		"score":      v.Score,
		"session_id": v.SessionID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
