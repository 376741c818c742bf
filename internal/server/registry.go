// Package server coordinates session registration, login exclusion, message
// fan-out, and connection cleanup for the Parley chat service via the
// Registry type.
package server

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// SessionInfo is one row of the registry snapshot used by the /who listing.
type SessionInfo struct {
	Username   string
	ID         int
	RemoteAddr string
}

// Registry is the single source of truth for who is connected and who is
// logged in. It maintains two joint mappings: every connected session by id,
// and the session id claimed by each authenticated username. All operations
// serialize on one mutex so the mappings stay consistent under concurrent
// sessions.
type Registry struct {
	mu           sync.Mutex
	sessionsByID map[int]*Session
	logins       map[string]int

	logger  logrus.FieldLogger
	metrics *Metrics
}

// NewRegistry creates an empty Registry. A nil logger falls back to the
// logrus standard logger; metrics may be nil in tests.
func NewRegistry(logger logrus.FieldLogger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		sessionsByID: make(map[int]*Session),
		logins:       make(map[string]int),
		logger:       logger,
		metrics:      metrics,
	}
}

// TryRegister inserts the session unless the connected-client count has
// already reached max. The capacity check and the insert happen under one
// lock acquisition so concurrent accepts cannot overshoot the limit.
func (r *Registry) TryRegister(s *Session, max int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max > 0 && len(r.sessionsByID) >= max {
		return false
	}
	r.sessionsByID[s.id] = s
	if r.metrics != nil {
		r.metrics.ConnectedClients.Inc()
	}
	return true
}

// Deregister removes the session from the connected set and, if it holds an
// authenticated username, releases that login as well.
func (r *Registry) Deregister(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessionsByID[id]
	if !ok {
		return
	}
	delete(r.sessionsByID, id)
	if r.metrics != nil {
		r.metrics.ConnectedClients.Dec()
	}

	if user := s.Username(); user != "" && r.logins[user] == id {
		delete(r.logins, user)
		if r.metrics != nil {
			r.metrics.LoggedInUsers.Dec()
		}
	}
}

// TryLogin atomically claims username for the given session id. It fails if
// the username already has an active session. Check and insert are a single
// step under the lock, so two sessions racing to log in as the same user
// cannot both succeed.
func (r *Registry) TryLogin(username string, id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, active := r.logins[username]; active {
		return false
	}
	if _, connected := r.sessionsByID[id]; !connected {
		return false
	}
	r.logins[username] = id
	if r.metrics != nil {
		r.metrics.LoggedInUsers.Inc()
	}
	return true
}

// Logout releases the login entry for username, if present.
func (r *Registry) Logout(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, active := r.logins[username]; !active {
		return
	}
	delete(r.logins, username)
	if r.metrics != nil {
		r.metrics.LoggedInUsers.Dec()
	}
}

// Find returns the session currently logged in as username.
func (r *Registry) Find(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.logins[username]
	if !ok {
		return nil, false
	}
	s, ok := r.sessionsByID[id]
	return s, ok
}

// Count returns the number of connected sessions, authenticated or not.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessionsByID)
}

// LoginCount returns the number of authenticated sessions.
func (r *Registry) LoginCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.logins)
}

// recipient pairs a session with the username it held when the fan-out
// snapshot was taken.
type recipient struct {
	session  *Session
	username string
}

// Broadcast renders and delivers one line to every authenticated session
// matching pred (nil matches all). Delivery goes through each recipient's
// outbound queue, never directly into its connection, so a slow peer cannot
// stall the rest. Returns the usernames whose delivery failed; failures are
// logged and do not abort fan-out to the remaining recipients.
func (r *Registry) Broadcast(pred func(username string) bool, render func(username string) string) []string {
	recipients := r.loginSnapshot()

	var failed []string
	for _, rc := range recipients {
		if pred != nil && !pred(rc.username) {
			continue
		}
		line := render(rc.username)
		if rc.session.enqueue(line) {
			if r.metrics != nil {
				r.metrics.MessagesDelivered.Inc()
			}
			continue
		}
		failed = append(failed, rc.username)
		if r.metrics != nil {
			r.metrics.DeliveryFailures.Inc()
		}
		r.logger.WithFields(logrus.Fields{
			"client": rc.session.id,
			"user":   rc.username,
		}).Warn("Recipient was unresponsive, dropping broadcast line")
	}
	return failed
}

// Snapshot returns the authenticated sessions ordered by client id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(r.logins))
	for user, id := range r.logins {
		s, ok := r.sessionsByID[id]
		if !ok {
			continue
		}
		infos = append(infos, SessionInfo{Username: user, ID: id, RemoteAddr: s.RemoteAddr()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// loginSnapshot captures the authenticated sessions under the lock so the
// actual deliveries happen without holding it.
func (r *Registry) loginSnapshot() []recipient {
	r.mu.Lock()
	defer r.mu.Unlock()

	recipients := make([]recipient, 0, len(r.logins))
	for user, id := range r.logins {
		if s, ok := r.sessionsByID[id]; ok {
			recipients = append(recipients, recipient{session: s, username: user})
		}
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i].session.id < recipients[j].session.id })
	return recipients
}

// CloseAll closes every connected session's connection and clears both
// mappings. Used during server shutdown; safe to call more than once.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessionsByID))
	for _, s := range r.sessionsByID {
		sessions = append(sessions, s)
	}
	r.sessionsByID = make(map[int]*Session)
	r.logins = make(map[string]int)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	if r.metrics != nil {
		r.metrics.ConnectedClients.Set(0)
		r.metrics.LoggedInUsers.Set(0)
	}

	if len(sessions) > 0 {
		r.logger.WithField("count", len(sessions)).Info("Closed all client connections")
	}
}
