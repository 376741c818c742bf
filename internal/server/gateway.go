// Package server exposes the optional HTTP gateway: health check, Prometheus
// metrics, and a WebSocket transport that speaks the same line protocol as
// the TCP listener.
package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// gateway bundles the HTTP-facing side of the server. It shares the
// registry, store, and capacity gate with the TCP acceptor, so a WebSocket
// client counts against the same limit and chats with TCP clients.
type gateway struct {
	srv      *Server
	upgrader websocket.Upgrader

	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
}

func newGateway(srv *Server) *gateway {
	g := &gateway{srv: srv}
	g.allowedOrigins, g.allowAllOrigins = normalizeOrigins(srv.cfg.AllowedOrigins, srv)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// routes configures the gateway ServeMux: health check, metrics, and the
// WebSocket endpoint.
func (g *gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.healthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(g.srv.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", g.websocketHandler)
	return mux
}

func (g *gateway) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Parley server is running!")
}

// websocketHandler upgrades the request and runs a standard chat session over
// the WebSocket connection, one text message per protocol line.
func (g *gateway) websocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.srv.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(int64(g.srv.cfg.MaxLineBytes))

	sess, ok := g.srv.NewSession(newWSConn(conn))
	if !ok {
		g.srv.logger.WithField("addr", conn.RemoteAddr().String()).Info("Rejecting WebSocket connection, server full")
		_ = conn.SetWriteDeadline(time.Now().Add(g.srv.cfg.WriteTimeout()))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(capacityMessage))
		_ = conn.Close()
		return
	}

	g.srv.StartSession(sess)
}

func (g *gateway) checkOrigin(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		// Non-browser clients send no Origin header; only browsers need
		// the cross-origin gate.
		return true
	}

	normalized, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if g.allowAllOrigins {
		return true
	}
	if _, exists := g.allowedOrigins[normalized]; exists {
		return true
	}

	g.srv.logger.WithField("origin", originHeader).Warn("Blocked WebSocket connection from disallowed origin")
	return false
}

func normalizeOrigins(origins []string, srv *Server) (map[string]struct{}, bool) {
	normalized := make(map[string]struct{}, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}

		n, ok := normalizeOrigin(trimmed)
		if !ok {
			srv.logger.WithField("origin", origin).Warn("Ignoring invalid origin in configuration")
			continue
		}
		normalized[n] = struct{}{}
	}
	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// startGateway builds the gateway mux and serves it on the configured HTTP
// address with production timeouts. The WebSocket endpoint survives the
// read/write timeouts because upgraded connections are hijacked from the
// HTTP server.
func (s *Server) startGateway() {
	g := newGateway(s)

	httpSrv := &http.Server{
		Addr:         s.cfg.HTTPAddress,
		Handler:      g.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = httpSrv
	s.mu.Unlock()

	s.logger.WithField("addr", s.cfg.HTTPAddress).Info("HTTP gateway listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Gateway server error")
		}
	}()
}
