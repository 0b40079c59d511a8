package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func computeHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

func TestAuthHandler_GenerateChallenge(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	challenge1, err := auth.GenerateChallenge()
	require.NoError(t, err)
	challenge2, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.Len(t, challenge1, 64)
	assert.NotEqual(t, challenge1, challenge2)
}

func TestAuthHandler_VerifySignature(t *testing.T) {
	auth := NewAuthHandler("test-secret")
	challenge, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.True(t, auth.VerifySignature(challenge, computeHMAC(challenge, "test-secret")))
	assert.False(t, auth.VerifySignature(challenge, "invalid-signature"))
	assert.False(t, auth.VerifySignature(challenge, computeHMAC(challenge, "wrong-secret")))
}

func TestAuthHandler_VerifyRequest(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		target string
		header string
		want   bool
	}{
		{"no secret admits everyone", "", "/ws", "", true},
		{"bearer token", "s3cret", "/ws", "Bearer s3cret", true},
		{"query token", "s3cret", "/ws?token=s3cret", "", true},
		{"wrong bearer", "s3cret", "/ws", "Bearer nope", false},
		{"missing token", "s3cret", "/ws", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, NewAuthHandler(tt.secret).VerifyRequest(r))
		})
	}
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("success clears the challenge", func(t *testing.T) {
		client := &Client{ID: "c1"}
		challenge, err := auth.IssueChallenge(client)
		require.NoError(t, err)
		assert.Equal(t, StateAuthenticating, client.State())

		result, exhausted := auth.HandleAuthResponse(client, computeHMAC(challenge.Challenge, "test-secret"))
		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		assert.Equal(t, "c1", result.ClientID)
		assert.False(t, exhausted)
		assert.True(t, client.Authenticated())
		assert.Equal(t, StateAuthenticated, client.State())
	})

	t.Run("no challenge", func(t *testing.T) {
		client := &Client{ID: "c2"}
		result, exhausted := auth.HandleAuthResponse(client, "anything")
		assert.False(t, result.Success)
		assert.Equal(t, "No challenge found", result.Message)
		assert.False(t, exhausted)
	})

	t.Run("gives up after three failures", func(t *testing.T) {
		client := &Client{ID: "c3"}
		_, err := auth.IssueChallenge(client)
		require.NoError(t, err)

		for i := 0; i < maxAuthAttempts-1; i++ {
			result, exhausted := auth.HandleAuthResponse(client, "bad")
			assert.Equal(t, "Invalid signature", result.Message)
			assert.False(t, exhausted)
		}
		result, exhausted := auth.HandleAuthResponse(client, "bad")
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.True(t, exhausted)
		assert.False(t, client.Authenticated())
	})
}
