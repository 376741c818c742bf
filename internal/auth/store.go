// Package auth persists username/token credential pairs in an append-only
// text file, one "username:token" line per account.
package auth

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// credentialLine accepts a word-character username and any non-whitespace
// token, colon separated. Anything else on a line is ignored.
var credentialLine = regexp.MustCompile(`^(\w+):(\S+)$`)

// Credential is one stored account: the unique username and the opaque
// password token produced by Hasher. Credentials are never mutated after
// creation; there is no password-change path.
type Credential struct {
	Username string
	Token    string
}

// Store holds the authoritative in-memory copy of the credential file for
// the process lifetime. New accounts are appended to the file and the map;
// existing lines are never rewritten or removed.
type Store struct {
	mu     sync.RWMutex
	path   string
	creds  map[string]Credential
	logger logrus.FieldLogger
}

// NewStore creates a Store backed by the file at path. Call Load before use.
// A nil logger falls back to the logrus standard logger.
func NewStore(path string, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		path:   path,
		creds:  make(map[string]Credential),
		logger: logger,
	}
}

// Load reads every credential line from the backing file into memory.
// Malformed lines are skipped with a warning, not fatal. A missing file is
// created empty so first launch starts with zero accounts.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		s.logger.WithField("path", s.path).Info("No credential file, creating one")
		created, createErr := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY, 0o600)
		if createErr != nil {
			return fmt.Errorf("auth: creating credential file: %w", createErr)
		}
		return created.Close()
	}
	if err != nil {
		return fmt.Errorf("auth: opening credential file: %w", err)
	}
	defer f.Close()

	s.creds = make(map[string]Credential)

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		m := credentialLine.FindStringSubmatch(line)
		if m == nil {
			s.logger.WithFields(logrus.Fields{
				"path": s.path,
				"line": lineNo,
			}).Warn("Skipping malformed credential line")
			continue
		}
		s.creds[m[1]] = Credential{Username: m[1], Token: m[2]}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("auth: reading credential file: %w", err)
	}

	s.logger.WithField("count", len(s.creds)).Info("Credentials loaded")
	return nil
}

// Save appends one credential line to the backing file and syncs it to disk
// before updating the in-memory map. Append failures leave both the file and
// the map unchanged.
func (s *Store) Save(username, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.creds[username]; exists {
		return fmt.Errorf("auth: user %q already exists", username)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("auth: opening credential file for append: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s:%s\n", username, token); err != nil {
		return fmt.Errorf("auth: appending credential: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("auth: syncing credential file: %w", err)
	}

	s.creds[username] = Credential{Username: username, Token: token}
	return nil
}

// Contains reports whether an account exists for username.
func (s *Store) Contains(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.creds[username]
	return ok
}

// Get returns the credential stored for username, if any.
func (s *Store) Get(username string) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[username]
	return cred, ok
}

// Len returns the number of loaded accounts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.creds)
}
