package auth

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

// TestHashVerifyRoundTrip verifies that a freshly hashed password verifies
// against its own token and that a different password does not.
func TestHashVerifyRoundTrip(t *testing.T) {
	hasher := NewHasher(1024)

	token, err := hasher.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}

	ok, err := hasher.Verify("correct horse battery", token)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if !ok {
		t.Error("Correct password did not verify")
	}

	ok, err = hasher.Verify("wrong horse battery", token)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if ok {
		t.Error("Wrong password verified")
	}
}

// TestHashProducesDistinctTokens verifies the salt is random: two hashes of
// the same password differ but both verify.
func TestHashProducesDistinctTokens(t *testing.T) {
	hasher := NewHasher(1024)

	first, err := hasher.Hash("password123")
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	second, err := hasher.Hash("password123")
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}

	if first == second {
		t.Error("Two hashes of the same password are identical")
	}

	for _, token := range []string{first, second} {
		ok, err := hasher.Verify("password123", token)
		if err != nil {
			t.Fatalf("Verify() failed: %v", err)
		}
		if !ok {
			t.Errorf("Password did not verify against token %q", token)
		}
	}
}

// TestTokenFormat verifies the emitted token matches the fixed grammar:
// prefix, iteration count, and a 43-character base64url payload.
func TestTokenFormat(t *testing.T) {
	hasher := NewHasher(65536)

	token, err := hasher.Hash("password123")
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}

	if !strings.HasPrefix(token, "$32$65536$") {
		t.Errorf("Token %q missing prefix and iteration count", token)
	}

	layout := regexp.MustCompile(`^\$32\$(\d+)\$(.{43})$`)
	if !layout.MatchString(token) {
		t.Errorf("Token %q does not match layout", token)
	}
}

// TestVerifyAcceptsForeignIterationCount verifies a token hashed under a
// different strength still verifies, since the count is parsed from the
// token itself.
func TestVerifyAcceptsForeignIterationCount(t *testing.T) {
	strong := NewHasher(4096)
	weak := NewHasher(16)

	token, err := strong.Hash("password123")
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}

	ok, err := weak.Verify("password123", token)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if !ok {
		t.Error("Token hashed under a different iteration count did not verify")
	}
}

// TestVerifyRejectsMalformedTokens verifies every malformed token yields
// ErrTokenFormat rather than a silent false.
func TestVerifyRejectsMalformedTokens(t *testing.T) {
	hasher := NewHasher(1024)

	tokens := []string{
		"",
		"password123",
		"$32$1024$short",
		"$31$1024$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"$32$$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"$32$1024$" + strings.Repeat("!", 43),
	}

	for _, token := range tokens {
		ok, err := hasher.Verify("password123", token)
		if !errors.Is(err, ErrTokenFormat) {
			t.Errorf("Verify(%q) error = %v, want ErrTokenFormat", token, err)
		}
		if ok {
			t.Errorf("Verify(%q) unexpectedly succeeded", token)
		}
	}
}

// TestNewHasherDefaultsIterations verifies non-positive strengths fall back
// to the default.
func TestNewHasherDefaultsIterations(t *testing.T) {
	if got := NewHasher(0).Iterations(); got != DefaultIterations {
		t.Errorf("Iterations() = %d, want %d", got, DefaultIterations)
	}
	if got := NewHasher(-5).Iterations(); got != DefaultIterations {
		t.Errorf("Iterations() = %d, want %d", got, DefaultIterations)
	}
}
