// Package server implements the core TCP chat service for Parley.
//
// The implementation is organized into specialized files for configuration,
// the session registry, per-connection sessions, the acceptor and lifecycle,
// metrics, and the optional HTTP gateway to keep the codebase maintainable
// and testable as the project grows.
package server
