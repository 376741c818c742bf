package server

import (
	"net"
	"testing"
	"time"
)

// listenableTestPort binds an ephemeral port inside the registered/dynamic
// range and returns it together with the held listener. Skips the test when
// the kernel only hands out ports above the range.
func listenableTestPort(t *testing.T) (int, net.Listener) {
	t.Helper()

	for i := 0; i < 20; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("Binding ephemeral port failed: %v", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		if port >= 1024 && port <= 49151 {
			return port, ln
		}
		_ = ln.Close()
	}
	t.Skip("Could not obtain an ephemeral port inside the registered/dynamic range")
	return 0, nil
}

// TestPortAvailableRejectsOutOfRange verifies well-known and out-of-range
// ports are reported unavailable without a bind attempt.
func TestPortAvailableRejectsOutOfRange(t *testing.T) {
	for _, port := range []int{0, 80, 1023, 49152, 65535, -1} {
		if PortAvailable(port) {
			t.Errorf("PortAvailable(%d) = true, want false for out-of-range port", port)
		}
	}
}

// TestPortAvailableProbe verifies a held port reads unavailable and a
// released one available.
func TestPortAvailableProbe(t *testing.T) {
	port, ln := listenableTestPort(t)

	if PortAvailable(port) {
		t.Errorf("PortAvailable(%d) = true while the port is held", port)
	}

	_ = ln.Close()
	if !PortAvailable(port) {
		t.Errorf("PortAvailable(%d) = false after release", port)
	}
}

// TestListenIsIdempotent verifies a second Listen call while listening is a
// no-op.
func TestListenIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.BindAddress = "127.0.0.1"
	srv.cfg.Port = 0

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after Listen()")
	}

	if err := srv.Listen(); err != nil {
		t.Fatalf("Second Listen() failed: %v", err)
	}
	if srv.Addr() != addr {
		t.Errorf("Addr() changed across Listen() calls: %q then %q", addr, srv.Addr())
	}
}

// TestShutdownIsIdempotent verifies repeated shutdowns are safe.
func TestShutdownIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.BindAddress = "127.0.0.1"
	srv.cfg.Port = 0

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}

	if err := srv.Shutdown(2 * time.Second); err != nil {
		t.Errorf("First Shutdown() failed: %v", err)
	}
	if err := srv.Shutdown(2 * time.Second); err != nil {
		t.Errorf("Second Shutdown() failed: %v", err)
	}
}

// TestListenAfterShutdownFails verifies a closed server stays closed.
func TestListenAfterShutdownFails(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.BindAddress = "127.0.0.1"
	srv.cfg.Port = 0

	if err := srv.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	if err := srv.Listen(); err == nil {
		t.Error("Listen() succeeded on a closed server")
	}
}

// TestSessionIDsMonotonic verifies accepted connections receive increasing
// client ids, including connections that are later rejected.
func TestSessionIDsMonotonic(t *testing.T) {
	srv := newTestServer(t)

	var last = -1
	for i := 0; i < 4; i++ {
		serverEnd, clientEnd := net.Pipe()
		t.Cleanup(func() {
			_ = serverEnd.Close()
			_ = clientEnd.Close()
		})

		sess, ok := srv.NewSession(serverEnd)
		if !ok {
			t.Fatalf("Session %d rejected", i)
		}
		if sess.ID() <= last {
			t.Errorf("Session id %d not greater than previous %d", sess.ID(), last)
		}
		last = sess.ID()
	}
}
