package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokensRoundTrip(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)

	signed, err := tokens.Issue("user-1")
	require.NoError(t, err)

	sub, err := tokens.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)
}

func TestTokensRejectForeignSignature(t *testing.T) {
	signed, err := NewTokens("one", time.Hour).Issue("user-1")
	require.NoError(t, err)

	_, err = NewTokens("two", time.Hour).Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensRejectExpired(t *testing.T) {
	tokens := NewTokens("secret", time.Minute)
	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	signed, err := tokens.Issue("user-1")
	require.NoError(t, err)

	tokens.now = time.Now
	_, err = tokens.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensRejectGarbage(t *testing.T) {
	_, err := NewTokens("secret", 0).Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("Passw0rdX")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "Passw0rdX"))
	assert.False(t, CheckPassword(hash, "passw0rdx"))
}
