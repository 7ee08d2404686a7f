// Package session mints and verifies the gateway's own short-lived
// session tokens, returned to callers after a successful exchange.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vgrid/tokengate/internal/auth"
)

// Limits on session lifetime. Sessions are deliberately short-lived;
// callers re-exchange their provider token to extend access.
const (
	DefaultTTL = time.Hour
	MaxTTL     = 2 * time.Hour

	minSecretLength = 32
)

// Identity is the verified subject a session is minted for.
type Identity struct {
	// UserID is the subject from the verified provider token.
	UserID string

	// Email is the subject email, when the provider token carried one.
	Email string

	// Provider is the identity provider type that vouched for the subject.
	Provider string
}

// Session is a minted session token with its expiry.
type Session struct {
	// Token is the signed compact JWT.
	Token string

	// ExpiresAt is when the token stops being accepted.
	ExpiresAt time.Time
}

// Claims are the session token claims.
type Claims struct {
	jwt.RegisteredClaims

	// Provider is the upstream identity provider.
	Provider string `json:"provider,omitempty"`

	// Email is the subject email, when present.
	Email string `json:"email,omitempty"`
}

// Issuer mints and verifies session tokens.
type Issuer interface {
	// Issue mints a session token for the given identity.
	Issue(identity Identity) (*Session, error)

	// Verify parses and validates a session token.
	Verify(raw string) (*Claims, error)
}

// Config holds session issuer configuration.
type Config struct {
	// Secret is the HMAC signing key. Must be at least 32 bytes.
	Secret string `yaml:"secret"`

	// Issuer is the iss claim placed on minted tokens.
	Issuer string `yaml:"issuer,omitempty"`

	// TTL is the session lifetime. Capped at MaxTTL.
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// Validate checks the session configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("session config is required")
	}
	if len(c.Secret) < minSecretLength {
		return fmt.Errorf("session secret must be at least %d bytes", minSecretLength)
	}
	if c.TTL < 0 {
		return errors.New("session ttl must not be negative")
	}
	if c.TTL > MaxTTL {
		return fmt.Errorf("session ttl must not exceed %s", MaxTTL)
	}
	return nil
}

// issuer implements Issuer with HMAC SHA-256 signing.
type issuer struct {
	secret []byte
	name   string
	ttl    time.Duration
	now    func() time.Time
}

// Option is a functional option for the issuer.
type Option func(*issuer)

// WithTimeSource overrides the clock, for tests.
func WithTimeSource(now func() time.Time) Option {
	return func(i *issuer) {
		i.now = now
	}
}

// NewIssuer creates a session issuer from validated configuration.
func NewIssuer(cfg *Config, opts ...Option) (Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	name := cfg.Issuer
	if name == "" {
		name = "tokengate"
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	i := &issuer{
		secret: []byte(cfg.Secret),
		name:   name,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue mints a session token for the given identity.
func (i *issuer) Issue(identity Identity) (*Session, error) {
	if identity.UserID == "" {
		return nil, auth.E(auth.CodeUnexpectedError, "cannot mint session without a subject", nil)
	}

	now := i.now()
	expiresAt := now.Add(i.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.name,
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
		Provider: identity.Provider,
		Email:    identity.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return nil, auth.E(auth.CodeUnexpectedError, "failed to sign session token", err)
	}

	return &Session{
		Token:     signed,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify parses and validates a session token. Only HS256 tokens minted
// by this issuer are accepted.
func (i *issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.name),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, auth.E(auth.CodeExpired, "session token has expired", err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, auth.E(auth.CodeInvalidFormat, "malformed session token", err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, auth.E(auth.CodeInvalidSignature, "invalid session token signature", err)
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, auth.E(auth.CodeInvalidIssuer, "session token issuer mismatch", err)
		default:
			return nil, auth.E(auth.CodeInvalidSignature, "session token validation failed", err)
		}
	}
	if !token.Valid {
		return nil, auth.E(auth.CodeInvalidSignature, "session token validation failed", nil)
	}
	return claims, nil
}

// Ensure issuer implements Issuer.
var _ Issuer = (*issuer)(nil)
