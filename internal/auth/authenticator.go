// Package auth verifies the bearer tokens presented by observers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("authentication required")
	ErrInvalidToken = errors.New("invalid token")
)

const defaultTokenTTL = 24 * time.Hour

// Claims identifies an authenticated observer.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Authenticator checks a token at connection time.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Claims, error)
}

// JWTAuthenticator accepts HMAC-signed JWTs.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

func NewJWTAuthenticator(secret, issuer string) (*JWTAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}, nil
}

// Authenticate validates signature and expiry. The subject is read from
// "sub", falling back to "userId".
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		sub, _ = claims["userId"].(string)
	}
	out := Claims{Subject: sub}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// Issue signs a token for subject. Used by the CLI to mint observer tokens.
func (a *JWTAuthenticator) Issue(subject string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	expiresAt := time.Now().Add(ttl)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": time.Now().Unix(),
	}
	if a.issuer != "" {
		claims["iss"] = a.issuer
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// AllowAll accepts every connection. Used when no secret is configured.
type AllowAll struct{}

func (AllowAll) Authenticate(context.Context, string) (Claims, error) {
	return Claims{Subject: "anonymous"}, nil
}

var (
	_ Authenticator = (*JWTAuthenticator)(nil)
	_ Authenticator = AllowAll{}
)
