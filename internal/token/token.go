// Package token mints and validates the signed session tokens that
// controllers present when joining a session.
package token

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim stamped on every session token.
const Issuer = "arcs-server"

// maxRevoked bounds the in-memory revocation set. Oldest revocations
// are evicted first; evicted tokens are expired long before they age
// out under any sane expiry configuration.
const maxRevoked = 4096

var (
	ErrRevoked  = errors.New("token has been revoked")
	ErrInvalid  = errors.New("token is invalid")
	ErrNoSecret = errors.New("signing secret is required")
)

// Claims is the session token payload.
type Claims struct {
	DeviceID    string   `json:"device_id"`
	SessionID   string   `json:"session_id"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and verifies session tokens with a shared HS256 secret
// and tracks revocations.
type Service struct {
	secret []byte
	expiry time.Duration

	mu      sync.Mutex
	revoked map[string]struct{}
	order   []string // revocation insertion order, for eviction
}

// NewService creates a token service. expiryHours bounds token
// lifetime; the signing secret must be non-empty.
func NewService(secret string, expiryHours int) (*Service, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if expiryHours <= 0 {
		expiryHours = 24
	}
	return &Service{
		secret:  []byte(secret),
		expiry:  time.Duration(expiryHours) * time.Hour,
		revoked: make(map[string]struct{}),
	}, nil
}

// Issue mints a token for a device's session.
func (s *Service) Issue(deviceID, sessionID string, permissions []string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(s.expiry)

	claims := Claims{
		DeviceID:    deviceID,
		SessionID:   sessionID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expires, nil
}

// Validate returns the claims iff the token is not revoked, carries a
// valid signature under the current secret, names the expected issuer,
// and has not expired. The revocation check runs first so a revoked
// token never reaches signature verification.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	s.mu.Lock()
	_, revoked := s.revoked[tokenString]
	s.mu.Unlock()
	if revoked {
		return nil, ErrRevoked
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return claims, nil
}

// Revoke adds the token to the revocation set. Validation of a revoked
// token fails even while the token is otherwise unexpired.
func (s *Service) Revoke(tokenString string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.revoked[tokenString]; ok {
		return
	}
	s.revoked[tokenString] = struct{}{}
	s.order = append(s.order, tokenString)

	for len(s.order) > maxRevoked {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.revoked, oldest)
	}
}

// RevokedCount reports the size of the revocation set.
func (s *Service) RevokedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.revoked)
}
