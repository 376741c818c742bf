// Package server defines shared helpers reused across session, registry, and
// lifecycle logic.
package server

import "strings"

// isExpectedCloseError checks if an error is expected during connection
// closure and therefore not worth logging at warning level.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "websocket: close") ||
		strings.Contains(errStr, "broken pipe")
}
