// Package auth derives and verifies salted password tokens for the Parley
// chat service and manages the append-only credential store behind login.
package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultIterations is the PBKDF2 iteration count used when no explicit
// strength is configured.
const DefaultIterations = 65536

const (
	tokenPrefix = "$32$"
	saltLength  = 16
	keyLength   = 16
)

// ErrTokenFormat reports a stored token that does not match the expected
// layout and therefore cannot be verified against any password.
var ErrTokenFormat = errors.New("auth: invalid token format")

// tokenLayout matches prefix, iteration count, and the 43-character
// base64url payload holding salt and derived key.
var tokenLayout = regexp.MustCompile(`^\$32\$(\d+)\$(.{43})$`)

// Hasher produces and verifies password tokens of the form
// "$32$<iterations>$<base64url(salt||key)>" using PBKDF2-HMAC-SHA1 with a
// random 16-byte salt and a 16-byte derived key.
type Hasher struct {
	iterations int
}

// NewHasher creates a Hasher with the given PBKDF2 iteration count.
// Non-positive counts fall back to DefaultIterations.
func NewHasher(iterations int) *Hasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Hasher{iterations: iterations}
}

// Iterations returns the iteration count new tokens are derived with.
func (h *Hasher) Iterations() int {
	return h.iterations
}

// Hash derives a storable token from a plaintext password. Two calls with the
// same password yield different tokens because each call draws a fresh salt.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, h.iterations, keyLength, sha1.New)

	payload := make([]byte, 0, saltLength+keyLength)
	payload = append(payload, salt...)
	payload = append(payload, key...)

	return tokenPrefix + strconv.Itoa(h.iterations) + "$" +
		base64.RawURLEncoding.EncodeToString(payload), nil
}

// Verify reports whether password matches the stored token. The iteration
// count and salt come from the token itself, so tokens hashed under a
// different configured strength still verify. The comparison is constant
// time to avoid leaking how many leading bytes matched.
func (h *Hasher) Verify(password, token string) (bool, error) {
	m := tokenLayout.FindStringSubmatch(token)
	if m == nil {
		return false, ErrTokenFormat
	}

	iterations, err := strconv.Atoi(m[1])
	if err != nil || iterations <= 0 {
		return false, ErrTokenFormat
	}

	payload, err := base64.RawURLEncoding.DecodeString(m[2])
	if err != nil || len(payload) != saltLength+keyLength {
		return false, ErrTokenFormat
	}

	salt := payload[:saltLength]
	stored := payload[saltLength:]
	derived := pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha1.New)

	return subtle.ConstantTimeCompare(stored, derived) == 1, nil
}
