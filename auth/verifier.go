// Package auth verifies bearer tokens issued by the identity provider and
// resolves them to account ids.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ineyio/voxmeter"
)

const defaultLeeway = 30 * time.Second

var errMissingToken = fmt.Errorf("%w: missing bearer token", voxmeter.ErrUnauthenticated)

// Config holds the token verification settings.
type Config struct {
	Secret   string        `env:"JWT_SECRET"`
	Issuer   string        `env:"JWT_ISSUER"`
	Audience string        `env:"JWT_AUDIENCE" envDefault:"authenticated"`
	Leeway   time.Duration `env:"JWT_LEEWAY" envDefault:"30s"`
}

// Verifier validates HMAC-signed access tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

var _ voxmeter.Authenticator = (*Verifier)(nil)

// Option configures a Verifier.
type Option func(*verifierOptions)

type verifierOptions struct {
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) Option {
	return func(o *verifierOptions) { o.issuer = issuer }
}

// WithAudience requires the aud claim to contain audience.
func WithAudience(audience string) Option {
	return func(o *verifierOptions) { o.audience = audience }
}

// WithLeeway sets the clock skew allowance for exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(o *verifierOptions) { o.leeway = d }
}

// WithClock overrides the time source used to check expiry.
func WithClock(now func() time.Time) Option {
	return func(o *verifierOptions) { o.now = now }
}

// NewVerifier creates a Verifier for tokens signed with secret.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("voxmeter/auth: secret must be set")
	}

	o := verifierOptions{leeway: defaultLeeway}
	for _, opt := range opts {
		opt(&o)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithLeeway(o.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Name,
			jwt.SigningMethodHS384.Name,
			jwt.SigningMethodHS512.Name,
		}),
	}
	if o.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(o.issuer))
	}
	if o.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(o.audience))
	}
	if o.now != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(o.now))
	}

	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(parserOpts...),
	}, nil
}

// NewVerifierFromConfig creates a Verifier from cfg.
func NewVerifierFromConfig(cfg Config) (*Verifier, error) {
	return NewVerifier(cfg.Secret,
		WithIssuer(cfg.Issuer),
		WithAudience(cfg.Audience),
		WithLeeway(cfg.Leeway),
	)
}

type tokenClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Verify parses and validates a token, returning its claims. Errors wrap
// voxmeter.ErrUnauthenticated.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	var tc tokenClaims
	token, err := v.parser.ParseWithClaims(tokenString, &tc, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", voxmeter.ErrUnauthenticated, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", voxmeter.ErrUnauthenticated)
	}
	if strings.TrimSpace(tc.Subject) == "" {
		return nil, fmt.Errorf("%w: token missing sub", voxmeter.ErrUnauthenticated)
	}

	claims := &Claims{
		Subject:  tc.Subject,
		Email:    tc.Email,
		Role:     tc.Role,
		Issuer:   tc.Issuer,
		Audience: tc.Audience,
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}

// Authenticate returns the account id carried by token.
func (v *Verifier) Authenticate(_ context.Context, token string) (string, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
