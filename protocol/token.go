package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gregolly/identity-shield-sdk/risk"
)

var ErrInvalidToken = errors.New("protocol: invalid decision token")

const tokenIssuer = "identity-shield"

// DecisionClaims is the signed form of a decision
type DecisionClaims struct {
	Status    risk.Status `json:"status"`
	Score     int         `json:"score"`
	SessionID string      `json:"sid"`
	Action    string      `json:"act,omitempty"`
	AccountID string      `json:"acc,omitempty"`
	jwt.RegisteredClaims
}

// Decision returns the decision the claims describe
func (c *DecisionClaims) Decision() risk.Decision {
	return risk.Decision{
		Status:    c.Status,
		Score:     c.Score,
		SessionID: c.SessionID,
	}
}

// TokenSigner issues and checks HMAC-signed decision tokens
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner creates a signer. ttl <= 0 defaults to five minutes.
func NewTokenSigner(secret string, ttl time.Duration) (*TokenSigner, error) {
	if len(secret) < 16 {
		return nil, errors.New("protocol: token secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign issues a token for d bound to the call context
func (s *TokenSigner) Sign(d risk.Decision, call risk.CallContext) (string, error) {
	now := s.now()
	claims := &DecisionClaims{
		Status:    d.Status,
		Score:     d.Score,
		SessionID: d.SessionID,
		Action:    call.Action,
		AccountID: call.AccountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   d.SessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("protocol: sign decision: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry and returns the claims
func (s *TokenSigner) Verify(tokenString string) (*DecisionClaims, error) {
	claims := &DecisionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidToken, claims.Status)
	}
	return claims, nil
}
