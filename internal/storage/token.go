package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a download token fails verification or
// grants access to a different resource.
var ErrInvalidToken = errors.New("invalid download token")

// downloadClaims scope a token to one artifact of one job.
type downloadClaims struct {
	JobID    string `json:"job_id"`
	Resource string `json:"resource"`
	jwt.RegisteredClaims
}

// Signer mints and verifies the signed tokens attached to download URLs.
// Worker and gateway must share the same secret.
type Signer struct {
	secret []byte
}

// NewSigner returns a signer for the shared secret, or nil when the
// secret is empty so that callers can treat signing as disabled.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// Sign issues a token granting download access to one artifact until the
// ttl elapses.
func (s *Signer) Sign(jobID, resource string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &downloadClaims{
		JobID:    jobID,
		Resource: resource,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing download token: %w", err)
	}
	return token, nil
}

// Verify checks a token and that it grants access to the given artifact.
func (s *Signer) Verify(tokenString, jobID, resource string) error {
	token, err := jwt.ParseWithClaims(tokenString, &downloadClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	claims, ok := token.Claims.(*downloadClaims)
	if !ok || claims.JobID != jobID || claims.Resource != resource {
		return ErrInvalidToken
	}
	return nil
}
