// Package server manages individual chat sessions, handling the per-connection
// read/write pumps, the command state machine, and lifecycle control.
package server

import (
	"bufio"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// Password policy bounds for /newuser, inclusive on both ends.
const (
	minPasswordLength = 8
	maxPasswordLength = 64
)

// usernamePattern constrains usernames to word characters so the colon and
// whitespace separators of the credential file stay unambiguous.
var usernamePattern = regexp.MustCompile(`^\w+$`)

// Session owns one client connection: it reads lines, parses commands,
// executes them against the credential store and the registry, and writes
// responses. Outbound lines from other sessions arrive through the buffered
// send queue and are written by this session's own write pump, so no other
// goroutine ever touches the connection.
type Session struct {
	id     int
	conn   net.Conn
	srv    *Server
	logger logrus.FieldLogger

	send      chan string
	done      chan struct{}
	closeOnce sync.Once
	limiter   *lineLimiter

	mu       sync.Mutex
	loggedIn bool
	username string
}

func newSession(id int, conn net.Conn, srv *Server) *Session {
	return &Session{
		id:   id,
		conn: conn,
		srv:  srv,
		logger: srv.logger.WithFields(logrus.Fields{
			"client": id,
			"addr":   conn.RemoteAddr().String(),
		}),
		send:    make(chan string, 64),
		done:    make(chan struct{}),
		limiter: newLineLimiter(srv.cfg.RateLimit.Burst, srv.cfg.RateLimit.RefillInterval()),
	}
}

// ID returns the per-process client id assigned at accept time.
func (s *Session) ID() int {
	return s.id
}

// Username returns the authenticated username, or "" while unauthenticated.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.username
}

// Authenticated reports whether the session holds a login.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loggedIn
}

// RemoteAddr returns the peer address string.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *Session) setLogin(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loggedIn = true
	s.username = username
}

func (s *Session) clearLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loggedIn = false
	s.username = ""
}

// close requests session shutdown. The write pump drains queued lines,
// closes the connection, and thereby unblocks the read pump. Safe to call
// from any goroutine, any number of times.
func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// enqueue queues one outbound line without blocking. It reports false when
// the session is shutting down or its queue is full; callers treat that as
// an unresponsive peer.
func (s *Session) enqueue(line string) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- line:
		return true
	default:
		return false
	}
}

// reply queues a response line for this session itself. Failures only get a
// log line; the session is its own recipient here.
func (s *Session) reply(line string) {
	if !s.enqueue(line) {
		s.logger.Warn("Dropping reply, session send queue unavailable")
	}
}

func (s *Session) writeLine(line string) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout())); err != nil {
		return err
	}
	_, err := s.conn.Write([]byte(line + "\n"))
	return err
}

// writePump is the sole writer and the sole closer of the connection. It
// drains the send queue until shutdown is requested, then flushes whatever
// is still queued before closing.
func (s *Session) writePump() {
	defer func() {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.WithError(err).Debug("Error closing connection")
		}
	}()

	for {
		select {
		case <-s.done:
			s.drainQueued()
			return
		case line := <-s.send:
			if err := s.writeLine(line); err != nil {
				if !isExpectedCloseError(err) {
					s.logger.WithError(err).Warn("Write failed, closing session")
				}
				s.close()
				return
			}
		}
	}
}

// drainQueued flushes lines that were queued before shutdown was requested.
// Best effort; write errors end the flush.
func (s *Session) drainQueued() {
	for {
		select {
		case line := <-s.send:
			if err := s.writeLine(line); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump reads newline-terminated input until the connection closes or the
// client exits, dispatching each line through the command state machine.
func (s *Session) readPump() {
	defer s.cleanup()

	s.reply(fmt.Sprintf("Welcome to the server.  You are Client %d", s.id))
	s.reply("Type /help for command list.")
	s.logger.Info("New client connected")

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, s.srv.cfg.MaxLineBytes), s.srv.cfg.MaxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()

		if !s.limiter.allow() {
			s.logger.WithField("burst", s.srv.cfg.RateLimit.Burst).Warn("Rate limit exceeded, discarding line")
			s.reply("You are sending messages too quickly.  Line discarded.")
			continue
		}

		if s.handleLine(line) {
			return
		}

		select {
		case <-s.done:
			return
		default:
		}
	}

	if err := scanner.Err(); err != nil && !isExpectedCloseError(err) {
		s.logger.WithError(err).Warn("Client abruptly closed")
	}
}

// cleanup deregisters the session and releases the connection. The registry
// drops the login entry together with the session, keeping both mappings
// consistent even on abrupt disconnect.
func (s *Session) cleanup() {
	s.srv.registry.Deregister(s.id)
	s.close()
	s.logger.Info("Client disconnected")
}

// handleLine executes one input line and reports whether the session should
// terminate. A line not starting with "/" is an implicit "/say all".
func (s *Session) handleLine(line string) bool {
	if !strings.HasPrefix(line, "/") {
		s.say("all " + line)
		return false
	}

	command := line
	data := ""
	if idx := strings.IndexByte(line, ' '); idx >= 0 {
		command = line[:idx]
		data = line[idx+1:]
	}

	switch command {
	case "/exit":
		s.reply("Exiting.")
		if s.Authenticated() {
			s.logout()
		}
		s.close()
		return true
	case "/login":
		s.login(data)
	case "/logout":
		if !s.Authenticated() {
			s.reply("You are not logged in.")
			s.logger.Info("Failed logout command")
		} else {
			s.logout()
		}
	case "/newuser":
		s.newUser(data)
	case "/say":
		s.say(data)
	case "/who":
		s.who()
	case "/whoami":
		s.whoami()
	case "/help":
		s.help()
	default:
		s.reply(fmt.Sprintf("Command `%s` not understood.", command))
		s.logger.WithField("input", line).Info("Unrecognized command")
	}
	return false
}

// login authenticates the session from "username password" data. Unknown
// username and wrong password produce the same generic response so error
// text cannot be used to enumerate accounts.
func (s *Session) login(data string) {
	if s.Authenticated() {
		s.reply("Already logged in.")
		return
	}

	args := strings.Split(data, " ")
	if len(args) != 2 || args[0] == "" || args[1] == "" {
		s.reply("You cannot login with empty information.")
		s.logger.Info("Empty /login command")
		return
	}
	username, password := args[0], args[1]

	if _, active := s.srv.registry.Find(username); active {
		s.reply(username + " is already logged in.")
		s.logger.WithField("user", username).Info("Login attempt against active login")
		return
	}

	cred, known := s.srv.store.Get(username)
	if !known {
		s.reply("Username or password incorrect.")
		s.logger.WithField("user", username).Info("Unknown username on login")
		return
	}

	ok, err := s.srv.hasher.Verify(password, cred.Token)
	if err != nil {
		s.reply("Username or password incorrect.")
		s.logger.WithError(err).WithField("user", username).Error("Stored token unverifiable")
		return
	}
	if !ok {
		s.reply("Username or password incorrect.")
		s.logger.WithField("user", username).Info("Failed login attempt")
		return
	}

	if !s.srv.registry.TryLogin(username, s.id) {
		// Lost a race against a concurrent login for the same name.
		s.reply(username + " is already logged in.")
		s.logger.WithField("user", username).Info("Login attempt against active login")
		return
	}
	s.setLogin(username)

	if s.srv.metrics != nil {
		s.srv.metrics.Logins.Inc()
	}
	s.logger.WithField("user", username).Info("Logged in user")
	s.srv.registry.Broadcast(nil, func(string) string {
		return username + " logged in."
	})
}

// logout releases the session's login after notifying all authenticated
// sessions, the departing one included.
func (s *Session) logout() {
	username := s.Username()

	s.logger.WithField("user", username).Info("Logged out user")
	s.srv.registry.Broadcast(nil, func(string) string {
		return username + " logged out."
	})

	s.srv.registry.Logout(username)
	s.clearLogin()
}

// newUser creates an account from "username password" data, appends it to the
// credential store, and performs the same side effects as a login.
func (s *Session) newUser(data string) {
	args := strings.Split(data, " ")
	if len(args) != 2 || args[0] == "" || args[1] == "" {
		s.reply("You cannot create a new user with empty information.")
		s.logger.Info("Empty /newuser command")
		return
	}
	username, password := args[0], args[1]

	if s.Authenticated() {
		s.reply("Already logged in.")
		s.logger.WithField("user", s.Username()).Info("Attempted newuser while logged in")
		return
	}

	if !usernamePattern.MatchString(username) {
		s.reply("Username may only contain letters, digits, and underscores.")
		s.logger.WithField("user", username).Info("Rejected username characters")
		return
	}

	if s.srv.store.Contains(username) {
		s.reply("User already exists.")
		s.logger.WithField("user", username).Info("Attempted to recreate user")
		return
	}

	if n := utf8.RuneCountInString(password); n < minPasswordLength || n > maxPasswordLength {
		s.reply(fmt.Sprintf("Password length must be between %d and %d characters.", minPasswordLength, maxPasswordLength))
		s.logger.Info("Failed newuser password policy")
		return
	}

	token, err := s.srv.hasher.Hash(password)
	if err != nil {
		s.reply("Could not create user.  Try again later.")
		s.logger.WithError(err).Error("Hashing new password failed")
		return
	}

	if err := s.srv.store.Save(username, token); err != nil {
		s.reply("Could not create user.  Try again later.")
		s.logger.WithError(err).WithField("user", username).Error("Appending credential failed")
		return
	}
	s.logger.WithField("user", username).Info("Appended credential")

	if !s.srv.registry.TryLogin(username, s.id) {
		s.reply(username + " is already logged in.")
		return
	}
	s.setLogin(username)

	if s.srv.metrics != nil {
		s.srv.metrics.AccountsCreated.Inc()
		s.srv.metrics.Logins.Inc()
	}
	s.logger.WithField("user", username).Info("Created and logged in user")
	s.srv.registry.Broadcast(nil, func(string) string {
		return username + " logged in with a new account."
	})
}

// say routes "target message" data: "all" fans out to every authenticated
// session, the session's own name loops back, and any other name is a
// directed message to that user if online.
func (s *Session) say(data string) {
	target := data
	message := ""
	if idx := strings.IndexByte(data, ' '); idx >= 0 {
		target = data[:idx]
		message = data[idx+1:]
	}

	if !s.Authenticated() {
		s.reply("You cannot chat without logging in.")
		s.logger.Info("Attempted to chat without login")
		return
	}
	sender := s.Username()

	if strings.EqualFold(target, "all") {
		s.logger.WithField("user", sender).Debug("Broadcast message")
		failed := s.srv.registry.Broadcast(nil, func(recipient string) string {
			if strings.EqualFold(recipient, sender) {
				return "you: " + message
			}
			return sender + ": " + message
		})
		for _, user := range failed {
			s.reply(user + " was unresponsive.")
		}
		return
	}

	if strings.EqualFold(target, sender) {
		s.reply("you (from yourself): " + message)
		return
	}

	peer, online := s.srv.registry.Find(target)
	if !online {
		s.reply(target + " is not on this server.")
		s.logger.WithFields(logrus.Fields{"user": sender, "target": target}).Info("Directed message to offline user")
		return
	}

	if !peer.enqueue(sender + "(to you): " + message) {
		s.reply(target + " was unresponsive.")
		if s.srv.metrics != nil {
			s.srv.metrics.DeliveryFailures.Inc()
		}
		s.logger.WithField("target", target).Warn("Directed message delivery failed")
		return
	}
	if s.srv.metrics != nil {
		s.srv.metrics.MessagesDelivered.Inc()
	}
	s.reply("you (to " + target + "): " + message)
}

// who lists every authenticated session with its client id and remote
// address, then a count. Available whether or not the caller is logged in.
func (s *Session) who() {
	infos := s.srv.registry.Snapshot()
	for _, info := range infos {
		s.reply(fmt.Sprintf("%s\tClient %d\t%s", info.Username, info.ID, info.RemoteAddr))
	}
	s.reply(fmt.Sprintf("%d logged in users.", len(infos)))
}

// whoami echoes the caller's username, when logged in, and client id.
func (s *Session) whoami() {
	if user := s.Username(); user != "" {
		s.reply(fmt.Sprintf("%s\tClient %d", user, s.id))
		return
	}
	s.reply(fmt.Sprintf("Client %d", s.id))
}

func (s *Session) help() {
	s.reply("Command list:")
	s.reply("\t/help - this message")
	s.reply("\t/login [UserID] [Password] - log in to chatroom")
	s.reply("\t/newuser [UserID] [Password] - create new user and log in")
	s.reply("\t/say [all|UserID] [message] - send a message to a specific user")
	s.reply("\t/who - list logged in users")
	s.reply("\t/whoami - display current user or current client id")
	s.reply("\t/logout - leave chat room")
	s.reply("\t/exit - end client connection to server")
}
