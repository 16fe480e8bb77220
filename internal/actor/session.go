package actor

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const apiKeyPrefix = "ab_"

// TenantLookup returns the user's current tenant when the session token
// does not carry one.
type TenantLookup interface {
	CurrentTenant(ctx context.Context, userID string) (string, error)
}

type sessionClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
}

// JWTSessions verifies HS256 session tokens issued by the identity provider.
type JWTSessions struct {
	Secret  []byte
	Tenants TenantLookup
	Now     func() time.Time
}

func (s JWTSessions) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s JWTSessions) VerifySession(ctx context.Context, token string) (Session, error) {
	if len(s.Secret) == 0 {
		return Session{}, errors.New("session secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.Secret, nil
	})
	if err != nil {
		return Session{}, err
	}
	if !parsed.Valid {
		return Session{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Session{}, errors.New("subject claim required")
	}
	tenant := strings.TrimSpace(claims.TenantID)
	if tenant == "" && s.Tenants != nil {
		tenant, err = s.Tenants.CurrentTenant(ctx, claims.Subject)
		if err != nil {
			return Session{}, fmt.Errorf("resolve tenant: %w", err)
		}
	}
	if tenant == "" {
		return Session{}, errors.New("session has no tenant")
	}
	return Session{UserID: claims.Subject, TenantID: tenant}, nil
}

// MintSession signs a session token. Used by the CLI and tests; production
// sessions come from the identity provider.
func MintSession(secret []byte, userID, tenantID string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("session secret not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a new random agent key. Only its hash is stored.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}
