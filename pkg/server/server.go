package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/protocol"
)

const (
	metricsLogInterval = 30 * time.Second
	shutdownGrace      = 5 * time.Second
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the roomchat relay: it accepts connections on every configured
// transport and runs one message loop per connection.
type Server struct {
	listener    net.Listener
	sshListener net.Listener
	httpServers []*http.Server
	sessions    *SessionManager
	rooms       *RoomRegistry
	handler     *Handler
	dispatch    *Broadcaster
	audit       *database.AuditLog
	config      ServerConfig
	configPath  string
	metrics     *Metrics
	startTime   time.Time

	shutdown chan struct{}
	stopOnce sync.Once
	errCh    chan error
	wg       sync.WaitGroup // background loops and listeners

	connMu   sync.Mutex
	stopping bool
	connWG   sync.WaitGroup // one per live connection

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int // 0 = pick a free port
	SSHPort        int // 0 = disabled
	HTTPPort       int // WebSocket endpoint, 0 = disabled
	MetricsPort    int // /metrics and /health, 0 = disabled
	SSHHostKeyPath string
	DatabasePath   string // audit log, empty = disabled
	LogDir         string

	MaxMessageLength  int // bytes of TEXT content
	MaxUsernameLength int
	OutboundQueueSize int           // frames buffered per session
	WriteTimeout      time.Duration // per-frame write deadline, 0 = none

	EmptyRoomTTL    time.Duration // 0 = rooms are never reaped
	ReapInterval    time.Duration // 0 = derived from EmptyRoomTTL
	DuplicatePolicy DuplicatePolicy
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           5555,
		SSHHostKeyPath:    "~/.roomchat/ssh_host_key",
		MaxMessageLength:  4096,
		MaxUsernameLength: 32,
		OutboundQueueSize: 256,
		WriteTimeout:      DefaultWriteTimeout,
		DuplicatePolicy:   PolicyReplace,
	}
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	if config.DuplicatePolicy == "" {
		config.DuplicatePolicy = PolicyReplace
	}
	if _, err := ParseDuplicatePolicy(string(config.DuplicatePolicy)); err != nil {
		return nil, err
	}

	audit, err := database.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	metrics := NewMetrics()
	sessions := NewSessionManager(config.OutboundQueueSize)
	sessions.SetMetrics(metrics)
	sessions.SetWriteTimeout(config.WriteTimeout)
	rooms := NewRoomRegistry()

	return &Server{
		sessions:   sessions,
		rooms:      rooms,
		handler:    NewHandler(rooms, sessions, config, audit),
		dispatch:   NewBroadcaster(sessions, rooms, metrics),
		audit:      audit,
		config:     config,
		configPath: configPath,
		metrics:    metrics,
		startTime:  time.Now(),
		shutdown:   make(chan struct{}),
		errCh:      make(chan error, 1),
	}, nil
}

// InitLoggers routes the error and standard loggers to the console and, when
// logDir is set, to errors.log and server.log inside it.
func InitLoggers(logDir string) error {
	if logDir == "" {
		errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
		log.SetOutput(os.Stdout)
		return nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	errorFile, err := os.OpenFile(filepath.Join(logDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	// Startup marker separates runs in the appended file
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	serverLogFile, err := os.OpenFile(filepath.Join(logDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))
	return nil
}

// EnableDebugLogging turns on debug output, to debug.log when a log
// directory is configured and to stderr otherwise.
func (s *Server) EnableDebugLogging() {
	if s.config.LogDir == "" {
		debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
		debugLog.Println("Debug logging enabled")
		return
	}

	debugLogFile, err := os.OpenFile(filepath.Join(s.config.LogDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}
	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start opens every configured listener and the background loops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	log.Printf("TCP server listening on %s", listener.Addr())
	s.serveTCP(listener)

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		if err := s.startHTTP(s.config.HTTPPort, mux); err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to start WebSocket server: %w", err)
		}
		log.Printf("WebSocket server listening on :%d (/ws)", s.config.HTTPPort)
	}

	// Internal only - never expose publicly
	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		if err := s.startHTTP(s.config.MetricsPort, mux); err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		log.Printf("Metrics server listening on :%d (/metrics, /health) - INTERNAL ONLY", s.config.MetricsPort)
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	if s.config.EmptyRoomTTL > 0 {
		s.wg.Add(1)
		go s.reaperLoop()
	}

	return nil
}

func (s *Server) serveTCP(listener net.Listener) {
	s.listener = listener
	s.wg.Add(1)
	go s.acceptLoop(listener)
}

func (s *Server) startHTTP(port int, handler http.Handler) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	s.serveHTTP(listener, handler)
	return nil
}

func (s *Server) serveHTTP(listener net.Listener, handler http.Handler) {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	s.httpServers = append(s.httpServers, srv)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fail(fmt.Errorf("http server on %s: %w", listener.Addr(), err))
		}
	}()
}

// TCPAddr returns the bound TCP listener address, or nil before Start.
func (s *Server) TCPAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Err reports a fatal listener failure. The server keeps its state; the
// caller decides whether to Stop and exit.
func (s *Server) Err() <-chan error {
	return s.errCh
}

func (s *Server) fail(err error) {
	errorLog.Printf("%v", err)
	select {
	case s.errCh <- err:
	default:
	}
}

// beginConn registers a new connection goroutine unless shutdown has begun.
func (s *Server) beginConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.stopping {
		return false
	}
	s.connWG.Add(1)
	return true
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")

	s.connMu.Lock()
	s.stopping = true
	s.connMu.Unlock()
	close(s.shutdown)

	s.closeListeners()

	log.Println("Notifying connected clients of shutdown...")
	s.notifyClientsOfShutdown()

	log.Println("Waiting for client sessions to close...")
	if !waitTimeout(&s.connWG, shutdownGrace) {
		log.Println("Grace period over, closing remaining sessions")
		s.sessions.CloseAll()
		s.connWG.Wait()
	}

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if err := s.audit.Close(); err != nil {
		log.Printf("Error during audit log close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}
	if s.sshListener != nil {
		s.sshListener.Close()
		log.Println("SSH listener closed")
	}
	for _, srv := range s.httpServers {
		srv.Close()
	}
}

// notifyClientsOfShutdown tells registered clients the server is going away
// and closes every connection once its queue has drained.
func (s *Server) notifyClientsOfShutdown() {
	named := make(map[*Session]bool)
	for _, sess := range s.sessions.AllNamed() {
		named[sess] = true
	}

	notice := protocol.NewNotification(msgServerShutdown, "")
	sent := 0
	for _, sess := range s.sessions.GetAllSessions() {
		if named[sess] && s.dispatch.Send(sess, notice) {
			sent++
			sess.CloseAfterFlush()
			continue
		}
		sess.Close()
	}

	log.Printf("Shutdown notification sent to %d/%d named sessions", sent, len(named))
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// acceptLoop accepts incoming TCP connections. An accept error outside of
// shutdown stops the loop and is reported through Err.
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				s.fail(fmt.Errorf("accept: %w", err))
				return
			}
		}

		if !s.beginConn() {
			conn.Close()
			return
		}
		go s.handleConnection(conn)
	}
}

// handleConnection runs a plain TCP connection
func (s *Server) handleConnection(conn net.Conn) {
	defer s.connWG.Done()

	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	s.serveConn(conn, "tcp")
}

// serveConn creates the session for conn and runs its message loop. All
// transports end up here.
func (s *Server) serveConn(conn net.Conn, connType string) {
	sess := s.sessions.CreateSession(conn, connType)
	s.connectionsSinceReport.Add(1)
	s.audit.RecordConnect(sess.ID, connType, sess.RemoteAddr)
	debugLog.Printf("New %s connection from %s (session %d)", connType, sess.RemoteAddr, sess.ID)

	s.messageLoop(sess)
}

// messageLoop reads envelopes until the peer disconnects, feeding each one
// through the handler and applying the resulting effects.
func (s *Server) messageLoop(sess *Session) {
	defer func() {
		s.sessions.RemoveSession(sess.ID)
		s.audit.RecordDisconnect(sess.ID)
		s.disconnectionsSinceReport.Add(1)
	}()

	st := State{Phase: PhaseUnregistered}
	var effects []Effect

	for {
		env, err := sess.Conn.ReadEnvelope()
		switch {
		case err == nil:
			debugLog.Printf("Session %d ← RECV: %s", sess.ID, env.Type)
			s.metrics.RecordEnvelopeReceived(env.Type.String())
			st, effects = s.handler.Handle(sess, st, env)

		case errors.Is(err, protocol.ErrUnknownType):
			debugLog.Printf("Session %d: %v", sess.ID, err)
			s.metrics.RecordEnvelopeReceived("UNKNOWN")
			st, effects = s.handler.Handle(sess, st, env)

		case errors.Is(err, protocol.ErrMalformedPayload):
			debugLog.Printf("Session %d: %v", sess.ID, err)
			st, effects = s.handler.Malformed(st)

		default:
			if errors.Is(err, io.EOF) {
				debugLog.Printf("Session %d: client disconnected", sess.ID)
			} else {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			st, effects = s.handler.Disconnect(sess, st)
		}

		s.dispatch.Apply(sess, effects)
		s.metrics.RecordRooms(s.rooms.Count())

		if st.Phase == PhaseClosed {
			if st.Username != "" {
				log.Printf("%s disconnected", st.Username)
			}
			return
		}
	}
}

// reaperLoop removes rooms that stayed empty longer than the configured TTL.
func (s *Server) reaperLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reapInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.reapRooms()
		}
	}
}

func (s *Server) reapInterval() time.Duration {
	if s.config.ReapInterval > 0 {
		return s.config.ReapInterval
	}
	interval := s.config.EmptyRoomTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	return interval
}

func (s *Server) reapRooms() {
	reaped := s.rooms.ReapEmpty(s.config.EmptyRoomTTL)
	if len(reaped) == 0 {
		return
	}

	for _, id := range reaped {
		log.Printf("Room reaped: %s", id)
		s.audit.RecordRoomReaped(id)
	}
	s.metrics.RecordRoomsReaped(len(reaped))
	s.metrics.RecordRooms(s.rooms.Count())
	s.dispatch.ToAll(protocol.NewRoomListReply(s.rooms.Snapshot()))
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Active sessions: %d, named: %d, rooms: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.sessions.Count(), s.sessions.CountNamed(), s.rooms.Count(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}

// HealthHandler reports liveness and basic counts as JSON.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"sessions":       s.sessions.Count(),
		"rooms":          s.rooms.Count(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}
