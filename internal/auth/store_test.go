package auth

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func tempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "logins.txt")
}

// TestLoadCreatesMissingFile verifies that loading a store whose file does
// not exist creates an empty file and yields zero accounts.
func TestLoadCreatesMissingFile(t *testing.T) {
	path := tempStorePath(t)
	store := NewStore(path, quietLogger())

	if err := store.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("Credential file was not created: %v", err)
	}
}

// TestLoadSkipsMalformedLines verifies that unparseable lines are skipped
// without failing the load.
func TestLoadSkipsMalformedLines(t *testing.T) {
	path := tempStorePath(t)
	content := "alice:$32$1024$tok\n" +
		"not a credential line\n" +
		"bad user:token\n" +
		":missingname\n" +
		"\n" +
		"bob:$32$1024$tok2\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Writing fixture failed: %v", err)
	}

	store := NewStore(path, quietLogger())
	if err := store.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
	if !store.Contains("alice") || !store.Contains("bob") {
		t.Error("Expected alice and bob to be loaded")
	}
}

// TestSaveAppendRoundTrip verifies that an appended credential survives a
// reload with the same token string.
func TestSaveAppendRoundTrip(t *testing.T) {
	path := tempStorePath(t)
	store := NewStore(path, quietLogger())
	if err := store.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if err := store.Save("alice", "$32$1024$sometoken"); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := store.Save("bob", "$32$1024$othertoken"); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	reloaded := NewStore(path, quietLogger())
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	cred, ok := reloaded.Get("alice")
	if !ok {
		t.Fatal("alice missing after reload")
	}
	if cred.Token != "$32$1024$sometoken" {
		t.Errorf("Token = %q, want %q", cred.Token, "$32$1024$sometoken")
	}
	if reloaded.Len() != 2 {
		t.Errorf("Len() = %d, want 2", reloaded.Len())
	}
}

// TestSaveRejectsDuplicateUsername verifies the append-only store refuses to
// create a second credential for the same username.
func TestSaveRejectsDuplicateUsername(t *testing.T) {
	store := NewStore(tempStorePath(t), quietLogger())
	if err := store.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if err := store.Save("alice", "tok1"); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := store.Save("alice", "tok2"); err == nil {
		t.Error("Duplicate Save() unexpectedly succeeded")
	}

	cred, _ := store.Get("alice")
	if cred.Token != "tok1" {
		t.Errorf("Token = %q, want the original %q", cred.Token, "tok1")
	}
}

// TestGetUnknownUser verifies lookups for absent accounts fail cleanly.
func TestGetUnknownUser(t *testing.T) {
	store := NewStore(tempStorePath(t), quietLogger())
	if err := store.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if store.Contains("ghost") {
		t.Error("Contains() reported an absent user")
	}
	if _, ok := store.Get("ghost"); ok {
		t.Error("Get() reported an absent user")
	}
}
