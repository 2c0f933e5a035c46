package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer signs and validates the bearer tokens presented to the job API.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// Claims carries the technician identity alongside the registered claims. The
// technician ID rides in "tid"; the device submitting queued work in "dvc".
type Claims struct {
	TechnicianID string `json:"tid"`
	DeviceID     string `json:"dvc,omitempty"`
	jwt.RegisteredClaims
}

// NewTokenIssuer creates an issuer signing HS256 tokens with the given TTL.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		issuer: "fieldsync",
		ttl:    ttl,
	}
}

// GenerateToken issues a token for the technician on the given device.
func (t *TokenIssuer) GenerateToken(technicianID, deviceID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		TechnicianID: technicianID,
		DeviceID:     deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    t.issuer,
			Subject:   technicianID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken parses and verifies a token, returning its claims.
func (t *TokenIssuer) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.TechnicianID == "" {
		return nil, fmt.Errorf("missing tid (technician ID) in token")
	}
	return claims, nil
}

// TokenFunc returns a token supplier suitable for the sync client. Tokens are
// cached and reissued shortly before they expire.
func (t *TokenIssuer) TokenFunc(technicianID, deviceID string) func(ctx context.Context) (string, error) {
	var cached string
	var expires time.Time
	return func(ctx context.Context) (string, error) {
		if cached != "" && time.Now().Before(expires.Add(-30*time.Second)) {
			return cached, nil
		}
		token, err := t.GenerateToken(technicianID, deviceID)
		if err != nil {
			return "", err
		}
		cached = token
		expires = time.Now().Add(t.ttl)
		return token, nil
	}
}
