// Package testhelpers provides common utilities for testing the Parley chat
// server over real TCP connections.
//
// It contains reusable helpers for starting a server on an ephemeral port and
// for driving the newline-delimited wire protocol from a test, to reduce
// duplication in the integration suite.
package testhelpers

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parleychat/parley/internal/server"
)

// StartServer starts a chat server on an ephemeral loopback port with a
// temporary credential file and a fast hash configuration. The server is
// shut down when the test finishes.
func StartServer(t *testing.T, maxClients int) *server.Server {
	t.Helper()

	cfg := server.NewConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.CredentialFile = filepath.Join(t.TempDir(), "logins.txt")
	cfg.HashIterations = 256
	cfg.MaxClients = maxClients
	cfg.RateLimit = server.RateLimitConfig{Burst: 1000, RefillIntervalSeconds: 1}

	return StartServerWithConfig(t, cfg)
}

// StartServerWithConfig starts a chat server from the given configuration.
func StartServerWithConfig(t *testing.T, cfg *server.Config) *server.Server {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	srv := server.New(cfg, logger)
	if err := srv.Start(); err != nil {
		t.Fatalf("Starting server failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(5 * time.Second) })
	return srv
}

// LineClient is a TCP client speaking the newline-delimited chat protocol.
type LineClient struct {
	Conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the server and returns a LineClient without consuming
// any greeting lines.
func Dial(t *testing.T, addr string) *LineClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dialing %s failed: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &LineClient{Conn: conn, r: bufio.NewReader(conn)}
}

// Connect dials the server and consumes the two greeting lines.
func Connect(t *testing.T, addr string) *LineClient {
	t.Helper()

	c := Dial(t, addr)
	greeting := c.ReadLine(t)
	if !strings.HasPrefix(greeting, "Welcome to the server.  You are Client ") {
		t.Fatalf("Unexpected greeting %q", greeting)
	}
	c.Expect(t, "Type /help for command list.")
	return c
}

// Send writes one protocol line.
func (c *LineClient) Send(t *testing.T, line string) {
	t.Helper()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := fmt.Fprintf(c.Conn, "%s\n", line); err != nil {
		t.Fatalf("Sending %q failed: %v", line, err)
	}
}

// ReadLine reads one protocol line, failing the test on timeout or close.
func (c *LineClient) ReadLine(t *testing.T) string {
	t.Helper()

	_ = c.Conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("Reading line failed: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

// Expect reads one line and fails unless it matches want exactly.
func (c *LineClient) Expect(t *testing.T, want string) {
	t.Helper()

	if got := c.ReadLine(t); got != want {
		t.Fatalf("Read %q, want %q", got, want)
	}
}

// ExpectClosed fails unless the connection yields EOF or an error.
func (c *LineClient) ExpectClosed(t *testing.T) {
	t.Helper()

	_ = c.Conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if line, err := c.r.ReadString('\n'); err == nil {
		t.Fatalf("Expected closed connection, read %q", line)
	}
}

// ExpectNoLine fails if any line arrives within the window.
func (c *LineClient) ExpectNoLine(t *testing.T, window time.Duration) {
	t.Helper()

	_ = c.Conn.SetReadDeadline(time.Now().Add(window))
	line, err := c.r.ReadString('\n')
	if err == nil {
		t.Fatalf("Expected silence, read %q", line)
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("Expected read timeout, got %v", err)
	}
}
