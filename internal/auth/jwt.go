package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped on every operator token and required on validation.
const Issuer = "tenant-provisioner"

// RoleAdmin is the only role allowed to drive the tenant lifecycle.
const RoleAdmin = "admin"

var (
	ErrNoSecret     = errors.New("jwt secret not set")
	ErrInvalidToken = errors.New("invalid or expired token")
)

var (
	secretMu sync.RWMutex
	secret   []byte
)

// SetSecret replaces the signing key. Tokens signed with the previous key stop validating.
func SetSecret(s string) {
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = []byte(s)
}

func signingKey() ([]byte, error) {
	secretMu.RLock()
	defer secretMu.RUnlock()
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return secret, nil
}

// Claims identify a control-plane operator.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token for subject. A non-positive ttl means a day.
func GenerateToken(subject, role string, ttl time.Duration) (string, error) {
	key, err := signingKey()
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func ValidateToken(tokenStr string) (*Claims, error) {
	key, err := signingKey()
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
