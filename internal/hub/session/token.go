// Package session carries viewer claims between the dashboard and the hub.
// This is demo plumbing, not an authentication boundary: the token exists so
// the hub knows which scope to filter under, and the PIN check is the same
// cosmetic gate the dashboard shows on role switch.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"classwatch/internal/sync/domain/model"
)

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
	ErrWrongPIN     = errors.New("wrong PIN")
)

// ViewerClaims are the JWT claims describing a viewer session.
type ViewerClaims struct {
	Role                 model.Role `json:"role"`
	AssignedClassroomIDs []string   `json:"assignedClassroomIds,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and parses viewer session tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a token service with a signing secret and token
// lifetime.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the viewer.
func (s *TokenService) Issue(v model.Viewer) (string, error) {
	now := time.Now()
	claims := ViewerClaims{
		Role:                 v.Role,
		AssignedClassroomIDs: v.AssignedClassroomIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   v.ID,
			Issuer:    "classwatch-hub",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Parse validates a token and returns the viewer it describes.
func (s *TokenService) Parse(tokenString string) (model.Viewer, error) {
	claims := &ViewerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Viewer{}, ErrExpiredToken
		}
		return model.Viewer{}, ErrInvalidToken
	}
	if !token.Valid || !claims.Role.Valid() {
		return model.Viewer{}, ErrInvalidToken
	}

	return model.Viewer{
		ID:                   claims.Subject,
		Role:                 claims.Role,
		AssignedClassroomIDs: claims.AssignedClassroomIDs,
	}, nil
}

// HashPIN hashes a role-switch PIN for storage.
func HashPIN(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash PIN: %w", err)
	}
	return string(hash), nil
}

// VerifyPIN checks a PIN against its stored hash.
func VerifyPIN(hash, pin string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		return ErrWrongPIN
	}
	return nil
}
