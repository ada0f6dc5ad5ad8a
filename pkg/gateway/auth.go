package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// SecretHeader carries the shared secret on upgrade and HTTP RPC requests
const SecretHeader = "X-Ranya-Secret"

const (
	maxAuthAttempts = 3
	challengeBytes  = 32
	// DefaultChallengeTTL bounds how long a challenge may be answered
	DefaultChallengeTTL = 30 * time.Second
)

// AuthHandler authenticates gateway callers against one shared secret,
// either by presenting it directly or by signing a server challenge with
// HMAC-SHA256.
type AuthHandler struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthHandler creates a handler for secret with DefaultChallengeTTL
func NewAuthHandler(secret string) *AuthHandler {
	return &AuthHandler{
		secret: []byte(secret),
		ttl:    DefaultChallengeTTL,
		now:    time.Now,
	}
}

// GenerateChallenge returns a random hex challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IssueChallenge generates a challenge and records it on client
func (a *AuthHandler) IssueChallenge(client *Client) (AuthChallenge, error) {
	challenge, err := a.GenerateChallenge()
	if err != nil {
		return AuthChallenge{}, err
	}

	client.mu.Lock()
	client.challenge = challenge
	client.challengeIssued = a.now()
	client.state = StateAuthenticating
	client.mu.Unlock()

	return AuthChallenge{Event: "auth.challenge", Challenge: challenge}, nil
}

// Sign returns the hex HMAC-SHA256 of challenge under the shared secret
func (a *AuthHandler) Sign(challenge string) string {
	h := hmac.New(sha256.New, a.secret)
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks signature against challenge in constant time
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(a.Sign(challenge)), []byte(signature)) == 1
}

// VerifySecret compares a presented secret in constant time. An empty
// secret on either side never matches.
func (a *AuthHandler) VerifySecret(secret string) bool {
	if len(a.secret) == 0 || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare(a.secret, []byte(secret)) == 1
}

// HandleAuthResponse checks a signed challenge from client. After
// maxAuthAttempts failures the client is locked out for the connection.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	client.mu.Lock()
	challenge := client.challenge
	issued := client.challengeIssued
	attempts := client.authAttempts
	client.mu.Unlock()

	switch {
	case attempts >= maxAuthAttempts:
		return authFailure("Too many failed attempts")
	case challenge == "":
		return authFailure("No challenge found")
	case !issued.IsZero() && a.now().Sub(issued) > a.ttl:
		client.mu.Lock()
		client.challenge = ""
		client.mu.Unlock()
		return authFailure("Challenge expired")
	}

	if !a.VerifySignature(challenge, signature) {
		client.mu.Lock()
		client.authAttempts++
		attempts = client.authAttempts
		client.mu.Unlock()

		if attempts >= maxAuthAttempts {
			return authFailure("Too many failed attempts")
		}
		return authFailure("Invalid signature")
	}

	client.markAuthenticated()
	return AuthResult{Event: "auth.success", Success: true}
}

func authFailure(message string) AuthResult {
	return AuthResult{Event: "auth.failure", Message: message}
}
