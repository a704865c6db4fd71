package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const maxAuthAttempts = 3

// AuthHandler manages challenge-response authentication against a shared
// secret. Clients sign the challenge with HMAC-SHA256.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	expected := hex.EncodeToString(h.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// HandleAuthResponse processes an authentication response from a client
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{
			Event:   "auth.failure",
			Message: "No challenge found",
		}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		msg := "Invalid signature"
		if client.AuthAttempts >= maxAuthAttempts {
			msg = "Too many failed attempts"
		}
		return AuthResult{
			Event:   "auth.failure",
			Message: msg,
		}
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{
		Event:   "auth.success",
		Success: true,
	}
}
