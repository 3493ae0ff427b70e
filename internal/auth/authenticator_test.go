package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestIssueAndAuthenticate(t *testing.T) {
	a, err := NewJWTAuthenticator("s3cret", "agentdash")
	require.NoError(t, err)

	token, expiresAt, err := a.Issue("observer-1", time.Hour)
	require.NoError(t, err)

	claims, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "observer-1", claims.Subject)
	require.WithinDuration(t, expiresAt, claims.ExpiresAt, time.Second)
}

func TestAuthenticateRejects(t *testing.T) {
	a, err := NewJWTAuthenticator("s3cret", "")
	require.NoError(t, err)
	other, err := NewJWTAuthenticator("different", "")
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingToken)

	_, err = a.Authenticate(context.Background(), "not-a-jwt")
	require.ErrorIs(t, err, ErrInvalidToken)

	forged, _, err := other.Issue("x", time.Hour)
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), forged)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "x",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), expired)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateLegacyUserIDClaim(t *testing.T) {
	a, err := NewJWTAuthenticator("s3cret", "")
	require.NoError(t, err)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": "u-42",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	claims, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "u-42", claims.Subject)
}

func TestNewRequiresSecretAndAllowAll(t *testing.T) {
	_, err := NewJWTAuthenticator(" ", "")
	require.Error(t, err)

	claims, err := AllowAll{}.Authenticate(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "anonymous", claims.Subject)
}
