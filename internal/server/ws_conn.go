// Package server adapts a WebSocket connection to the net.Conn shape the
// session pumps expect, so both transports share one session implementation.
package server

import (
	"bytes"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn presents a *websocket.Conn as a stream of newline-terminated lines:
// each inbound text message reads as the message bytes plus a trailing
// newline, and each outbound Write of "line\n" becomes one text message.
type wsConn struct {
	ws             *websocket.Conn
	reader         io.Reader
	pendingNewline bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			if c.pendingNewline {
				c.pendingNewline = false
				if len(p) == 0 {
					return 0, nil
				}
				p[0] = '\n'
				return 1, nil
			}

			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			// Message exhausted; synthesize the line terminator next.
			c.reader = nil
			c.pendingNewline = true
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	msg := bytes.TrimSuffix(p, []byte{'\n'})
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
