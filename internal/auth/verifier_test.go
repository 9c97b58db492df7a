package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/apperr"
)

func TestJWTVerifierRoundTrip(t *testing.T) {
	v := NewJWTVerifier("secret", "marketplace-auth")
	token, err := v.Sign(Identity{UserID: 42, Username: "ana", Role: "provider"}, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 42, Username: "ana", Role: "provider"}, id)
}

func TestJWTVerifierRejects(t *testing.T) {
	v := NewJWTVerifier("secret", "marketplace-auth")
	expired, err := v.Sign(Identity{UserID: 1}, -time.Minute)
	require.NoError(t, err)
	foreign, err := NewJWTVerifier("other", "marketplace-auth").Sign(Identity{UserID: 1}, time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := NewJWTVerifier("secret", "someone-else").Sign(Identity{UserID: 1}, time.Minute)
	require.NoError(t, err)
	noSubject, err := v.Sign(Identity{}, time.Minute)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"expired":      expired,
		"wrong key":    foreign,
		"wrong issuer": wrongIssuer,
		"no subject":   noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrUnauthenticated))
		})
	}
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	token, ok = BearerToken("bearer xyz")
	assert.True(t, ok)
	assert.Equal(t, "xyz", token)

	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer")
	assert.False(t, ok)
}
