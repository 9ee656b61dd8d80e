package devserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret-1", time.Hour)
	token, err := issuer.Issue("u1", "alice")
	require.NoError(t, err)

	claims, err := issuer.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)

	userID, err := issuer.ValidateUserID(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestTokenWrongSecretRejected(t *testing.T) {
	token, err := NewTokenIssuer("secret-1", time.Hour).Issue("u1", "alice")
	require.NoError(t, err)

	_, err = NewTokenIssuer("secret-2", time.Hour).Validate(token)
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	issuer := NewTokenIssuer("secret-1", time.Nanosecond)
	token, err := issuer.Issue("u1", "alice")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = issuer.Validate(token)
	assert.Error(t, err)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := hashPassword("hunter22")
	require.NoError(t, err)
	assert.True(t, checkPassword(hash, "hunter22"))
	assert.False(t, checkPassword(hash, "hunter23"))
}
