package integration

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/parleychat/parley/internal/server"
	"github.com/parleychat/parley/test/testhelpers"
)

// TestCredentialsSurviveRestart verifies an account created over the wire
// can log in against a fresh server process reading the same file.
func TestCredentialsSurviveRestart(t *testing.T) {
	credFile := filepath.Join(t.TempDir(), "logins.txt")

	cfg := server.NewConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.CredentialFile = credFile
	cfg.HashIterations = 256
	cfg.MaxClients = 3
	cfg.RateLimit = server.RateLimitConfig{Burst: 1000, RefillIntervalSeconds: 1}

	first := testhelpers.StartServerWithConfig(t, cfg)

	alice := testhelpers.Connect(t, first.Addr())
	alice.Send(t, "/newuser alice password123")
	alice.Expect(t, "alice logged in with a new account.")

	if err := first.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	restartCfg := *cfg
	second := testhelpers.StartServerWithConfig(t, &restartCfg)

	returning := testhelpers.Connect(t, second.Addr())
	returning.Send(t, "/login alice password123")
	returning.Expect(t, "alice logged in.")

	returning.Send(t, "/login alice password123")
	returning.Expect(t, "Already logged in.")
}
