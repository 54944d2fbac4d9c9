// Package auth issues and validates the HS256 tokens presented by roomnet clients.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/luciancaetano/roomnet"
)

// DefaultIssuer is written to and required in the "iss" claim.
const DefaultIssuer = "roomnet"

var errEmptySecret = errors.New("auth: empty signing secret")

// Claims is the payload of a roomnet token. The subject is the principal.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and validates tokens with a shared secret.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

type Option func(*Tokens)

// WithIssuer overrides DefaultIssuer.
func WithIssuer(issuer string) Option {
	return func(t *Tokens) { t.issuer = issuer }
}

// WithClock replaces time.Now for both issuing and validation.
func WithClock(now func() time.Time) Option {
	return func(t *Tokens) { t.now = now }
}

func New(secret []byte, opts ...Option) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, errEmptySecret
	}
	t := &Tokens{secret: secret, issuer: DefaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issue returns a signed token for principal valid for ttl.
func (t *Tokens) Issue(principal, name string, ttl time.Duration) (string, error) {
	if principal == "" {
		return "", errors.New("auth: empty principal")
	}
	now := t.now()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature, issuer and expiry of raw and returns its claims.
func (t *Tokens) Parse(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

// ValidateToken implements roomnet.Authenticator.
func (t *Tokens) ValidateToken(_ context.Context, raw string) (string, error) {
	claims, err := t.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", roomnet.ErrAuthentication, err)
	}
	return claims.Subject, nil
}

var _ roomnet.Authenticator = (*Tokens)(nil)
