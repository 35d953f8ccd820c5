package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSessionClosed is returned when sending to a session that has been closed
	ErrSessionClosed = errors.New("session closed")
	// ErrOutboundFull is returned when a peer is too slow to drain its queue
	ErrOutboundFull = errors.New("outbound queue full")
)

// DuplicatePolicy decides what happens when a username is already connected.
type DuplicatePolicy string

const (
	// PolicyReplace lets the newest connection take the name; the old one is closed.
	PolicyReplace DuplicatePolicy = "replace"
	// PolicyReject refuses the newcomer and keeps the current holder.
	PolicyReject DuplicatePolicy = "reject"
)

// ParseDuplicatePolicy validates a policy name from configuration.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(s); p {
	case PolicyReplace, PolicyReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown duplicate_username_policy %q (want %q or %q)", s, PolicyReplace, PolicyReject)
	}
}

// Session represents an active client connection.
//
// Everything written to the peer goes through the outbound queue, which a
// single writer goroutine drains in order.
type Session struct {
	ID         uint64
	ConnType   string    // "tcp", "ssh" or "websocket"
	RemoteAddr string    // For logging
	Conn       *SafeConn // Connection with write synchronization

	outbound  chan []byte // nil entry = close once everything before it is written
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id uint64, conn net.Conn, connType string, queueSize int, writeTimeout time.Duration) *Session {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		ID:         id,
		ConnType:   connType,
		RemoteAddr: remote,
		Conn:       NewSafeConn(conn, writeTimeout),
		outbound:   make(chan []byte, queueSize),
		done:       make(chan struct{}),
	}
}

// Send enqueues a pre-encoded frame without blocking.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrOutboundFull
	}
}

// CloseAfterFlush closes the session once every frame queued so far has been
// written. A full queue closes immediately.
func (s *Session) CloseAfterFlush() {
	select {
	case s.outbound <- nil:
	default:
		s.Close()
	}
}

// Close tears down the session. The transport is closed, which unblocks the
// message loop's pending read so it can run cleanup.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.Conn.Close()
	})
}

// writeLoop drains the outbound queue until the session closes.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.outbound:
			if data == nil {
				s.Close()
				return
			}
			if err := s.Conn.WriteBytes(data); err != nil {
				debugLog.Printf("Session %d: write failed: %v", s.ID, err)
				s.Close()
				return
			}
		}
	}
}

// SessionManager tracks every live connection by ID and the registered ones
// by username.
type SessionManager struct {
	sessions     map[uint64]*Session
	byName       map[string]*Session
	nextID       uint64
	queueSize    int
	writeTimeout time.Duration
	mu           sync.RWMutex
	metrics      *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager(queueSize int) *SessionManager {
	if queueSize <= 0 {
		queueSize = DefaultConfig().OutboundQueueSize
	}
	return &SessionManager{
		sessions:     make(map[uint64]*Session),
		byName:       make(map[string]*Session),
		nextID:       1,
		queueSize:    queueSize,
		writeTimeout: DefaultWriteTimeout,
	}
}

// SetWriteTimeout changes the per-frame write deadline for sessions created
// afterwards. Zero disables it.
func (sm *SessionManager) SetWriteTimeout(d time.Duration) {
	sm.writeTimeout = d
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession creates a new session and starts its writer.
func (sm *SessionManager) CreateSession(conn net.Conn, connType string) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1
	sess := newSession(sessionID, conn, connType, sm.queueSize, sm.writeTimeout)

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(sessionCount)
	sm.metrics.RecordConnection(connType)

	go sess.writeLoop()
	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns all active sessions, registered or not
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession removes a session and closes the connection
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if !ok {
		return
	}
	sess.Close()

	sm.metrics.RecordActiveSessions(sessionCount)
	sm.metrics.RecordDisconnection()
}

// Register binds username to sess. Under PolicyReplace any previous holder is
// returned so the caller can notify and close it; under PolicyReject the call
// fails when another session holds the name.
func (sm *SessionManager) Register(username string, sess *Session, policy DuplicatePolicy) (prev *Session, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	existing, taken := sm.byName[username]
	if taken && existing != sess {
		if policy == PolicyReject {
			return nil, false
		}
		prev = existing
	}
	sm.byName[username] = sess
	return prev, true
}

// Unregister removes username only while it still points at sess.
func (sm *SessionManager) Unregister(username string, sess *Session) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if current, ok := sm.byName[username]; ok && current == sess {
		delete(sm.byName, username)
		return true
	}
	return false
}

// Lookup returns the session registered under username.
func (sm *SessionManager) Lookup(username string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.byName[username]
	return sess, ok
}

// AllNamed returns every registered session, in no particular order.
func (sm *SessionManager) AllNamed() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.byName))
	for _, sess := range sm.byName {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of live connections.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CountNamed returns the number of registered usernames.
func (sm *SessionManager) CountNamed() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byName)
}

// CloseAll closes all sessions
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sess.Close()
	}
}
