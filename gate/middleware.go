package gate

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gregolly/identity-shield-sdk/protocol"
	"github.com/gregolly/identity-shield-sdk/telemetry"
)

const (
	// TokenHeader carries a pre-fetched decision token
	TokenHeader = "X-Identity-Token"
	// CountryHeader is the edge-provided client country, used when the body has none
	CountryHeader = "CF-IPCountry"

	maxBodyBytes = 1 << 20
)

// Middleware guards a route as action. The request body must be a
// verification request; it is restored so the next handler can read it too.
// A valid decision token in TokenHeader is used instead of a fresh check.
// Step-up and blocked verdicts are answered with 403.
func (g *Gate) Middleware(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				ctx = r.Context()
				v   Verdict
			)

			if token := r.Header.Get(TokenHeader); token != "" {
				ctx, v = g.DecideToken(ctx, action, token)
			} else {
				body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
				if err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))

				var req protocol.Request
				if err := json.Unmarshal(body, &req); err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
					return
				}
				FillNetwork(&req, r)
				ctx, v = g.Check(ctx, action, req)
			}

			switch v.Outcome {
			case OutcomeProceed:
				next.ServeHTTP(w, r.WithContext(ctx))
			case OutcomeStepUp:
				writeJSON(w, http.StatusForbidden, map[string]interface{}{
					"requiresAdditionalVerification": true,
					"status":                         v.Status,
					"score":                          v.Score,
					"message":                        v.Message,
					"session_id":                     v.SessionID,
				})
			default:
				writeJSON(w, http.StatusForbidden, map[string]interface{}{
					"error":      "Action blocked",
					"status":     v.Status,
					"score":      v.Score,
					"message":    v.Message,
					"session_id": v.SessionID,
				})
			}
		})
	}
}

// FillNetwork uses the connection's address when the collector sent no network info
func FillNetwork(req *protocol.Request, r *http.Request) {
	if req.Network == nil {
		req.Network = &telemetry.NetworkInfo{}
	}
	if req.Network.IP == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		req.Network.IP = host
	}
	if req.Network.Country == "" {
		req.Network.Country = strings.ToUpper(strings.TrimSpace(r.Header.Get(CountryHeader)))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
