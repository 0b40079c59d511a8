package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const maxAuthAttempts = 3

// AuthHandler manages shared-secret authentication. Clients either present
// the secret as a bearer token on the upgrade request or answer an
// HMAC-SHA256 challenge after connecting.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Required reports whether clients must authenticate.
func (a *AuthHandler) Required() bool {
	return a.sharedSecret != ""
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the hex HMAC-SHA256 of challenge under the shared secret.
func (a *AuthHandler) Sign(challenge string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(a.Sign(challenge)), []byte(signature)) == 1
}

// VerifyRequest checks an upgrade request for "Authorization: Bearer <secret>"
// or a "token" query parameter.
func (a *AuthHandler) VerifyRequest(r *http.Request) bool {
	if !a.Required() {
		return true
	}
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.sharedSecret)) == 1
}

// IssueChallenge stores a fresh challenge on the client.
func (a *AuthHandler) IssueChallenge(client *Client) (AuthChallenge, error) {
	challenge, err := a.GenerateChallenge()
	if err != nil {
		return AuthChallenge{}, err
	}

	client.mu.Lock()
	client.challenge = challenge
	client.state = StateAuthenticating
	client.mu.Unlock()

	return AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	}, nil
}

// HandleAuthResponse processes an authentication response from a client.
// The second result is true once the client has used up its attempts.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) (AuthResult, bool) {
	client.mu.Lock()
	challenge := client.challenge
	client.mu.Unlock()

	if challenge == "" {
		return AuthResult{
			Event:   "auth.failure",
			Message: "No challenge found",
		}, false
	}

	if !a.VerifySignature(challenge, signature) {
		client.mu.Lock()
		client.authAttempts++
		attempts := client.authAttempts
		client.mu.Unlock()

		if attempts >= maxAuthAttempts {
			return AuthResult{
				Event:   "auth.failure",
				Message: "Too many failed attempts",
			}, true
		}

		return AuthResult{
			Event:   "auth.failure",
			Message: "Invalid signature",
		}, false
	}

	client.markAuthenticated()

	return AuthResult{
		Event:    "auth.success",
		Success:  true,
		ClientID: client.ID,
	}, false
}
