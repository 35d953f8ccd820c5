package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const journeyTimeout = 3 * time.Second

// ---------------------------------------------------------------------------
// Transport clients
//
// Every transport ends up as a byte stream, so all clients share one
// persistent reader goroutine that decodes envelopes into a channel. SSH
// channels have no deadlines and a timed-out gorilla read corrupts the
// connection, so nothing reads with a deadline.
// ---------------------------------------------------------------------------

type testClient struct {
	name      string
	w         io.Writer
	closeFn   func()
	envs      chan *protocol.Envelope
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newTestClient(name string, r io.Reader, w io.Writer, closeFn func()) *testClient {
	c := &testClient{
		name:    name,
		w:       w,
		closeFn: closeFn,
		envs:    make(chan *protocol.Envelope, 256),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		for {
			env, err := protocol.ReadEnvelope(r)
			if err != nil {
				c.errs <- err
				return
			}
			c.envs <- env
		}
	}()
	return c
}

func dialTCP(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err, "TCP connect to %s", addr)
	c := newTestClient("tcp", conn, conn, func() { conn.Close() })
	t.Cleanup(c.close)
	return c
}

func dialSSH(t *testing.T, addr string) *testClient {
	t.Helper()
	config := &ssh.ClientConfig{
		User:            "roomchat",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	client, err := ssh.Dial("tcp", addr, config)
	require.NoError(t, err, "SSH dial %s", addr)

	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		t.Fatalf("SSH open channel: %v", err)
	}
	go ssh.DiscardRequests(requests)

	c := newTestClient("ssh", channel, channel, func() {
		channel.Close()
		client.Close()
	})
	t.Cleanup(c.close)
	return c
}

func dialWS(t *testing.T, addr string) *testClient {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.Dial(fmt.Sprintf("ws://%s/ws", addr), nil)
	require.NoError(t, err, "WebSocket dial %s", addr)

	conn := newWebSocketConn(ws)
	c := newTestClient("websocket", conn, conn, func() { conn.Close() })
	t.Cleanup(c.close)
	return c
}

func (c *testClient) send(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	require.NoError(t, protocol.WriteEnvelope(c.w, env), "%s send %s", c.name, env.Type)
}

func (c *testClient) sendFrame(t *testing.T, frame *protocol.Frame) {
	t.Helper()
	require.NoError(t, protocol.EncodeFrame(c.w, frame), "%s send frame", c.name)
}

// waitFor reads until an envelope matches, discarding anything else such as
// room-list broadcasts triggered by other clients.
func (c *testClient) waitFor(t *testing.T, match func(*protocol.Envelope) bool, what string) *protocol.Envelope {
	t.Helper()
	deadline := time.After(journeyTimeout)
	for {
		select {
		case env := <-c.envs:
			if match(env) {
				return env
			}
		case err := <-c.errs:
			t.Fatalf("%s waiting for %s: read error: %v", c.name, what, err)
			return nil
		case <-deadline:
			t.Fatalf("%s waiting for %s: timeout after %v", c.name, what, journeyTimeout)
			return nil
		}
	}
}

func (c *testClient) expectNotice(t *testing.T, content string) *protocol.Envelope {
	t.Helper()
	return c.waitFor(t, func(env *protocol.Envelope) bool {
		return env.Type == protocol.TypeNotification && env.Content == content
	}, fmt.Sprintf("notification %q", content))
}

func (c *testClient) expectType(t *testing.T, typ protocol.Type) *protocol.Envelope {
	t.Helper()
	return c.waitFor(t, func(env *protocol.Envelope) bool { return env.Type == typ }, typ.String())
}

func (c *testClient) expectRoomList(t *testing.T, content string) {
	t.Helper()
	c.waitFor(t, func(env *protocol.Envelope) bool {
		return env.Type == protocol.TypeRoomList && env.Content == content
	}, fmt.Sprintf("room list %q", content))
}

// expectNoText fails if a TEXT envelope arrives within window.
func (c *testClient) expectNoText(t *testing.T, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case env := <-c.envs:
			if env.Type == protocol.TypeText {
				t.Fatalf("%s: unexpected TEXT from %s: %q", c.name, env.Sender, env.Content)
			}
		case <-c.errs:
			return
		case <-deadline:
			return
		}
	}
}

// expectClosed waits for the server to end the stream.
func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(journeyTimeout)
	for {
		select {
		case <-c.envs:
		case <-c.errs:
			return
		case <-deadline:
			t.Fatalf("%s: connection still open after %v", c.name, journeyTimeout)
		}
	}
}

func (c *testClient) close() {
	c.closeOnce.Do(func() {
		c.closeFn()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// Protocol steps
// ---------------------------------------------------------------------------

func (c *testClient) connect(t *testing.T, username string) {
	t.Helper()
	c.send(t, &protocol.Envelope{Type: protocol.TypeConnect, Sender: username})
	c.expectType(t, protocol.TypeRoomList)
}

func (c *testClient) createRoom(t *testing.T, id, name, password string) {
	t.Helper()
	c.send(t, &protocol.Envelope{Type: protocol.TypeCreateRoom, RoomID: id, RoomName: name, Password: password})
	c.expectNotice(t, fmt.Sprintf("Room '%s' created successfully!", name))
}

func (c *testClient) joinRoom(t *testing.T, id, name, password string) {
	t.Helper()
	c.send(t, &protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: id, Password: password})
	c.expectNotice(t, "Joined room: "+name)
}

func (c *testClient) say(t *testing.T, content string) {
	t.Helper()
	c.send(t, &protocol.Envelope{Type: protocol.TypeText, Content: content})
}

func (c *testClient) expectText(t *testing.T, sender, content string) *protocol.Envelope {
	t.Helper()
	return c.waitFor(t, func(env *protocol.Envelope) bool {
		return env.Type == protocol.TypeText && env.Sender == sender && env.Content == content
	}, fmt.Sprintf("TEXT %s: %q", sender, content))
}

// ---------------------------------------------------------------------------
// Server setup
// ---------------------------------------------------------------------------

type journeyServers struct {
	srv     *Server
	tcpAddr string
	sshAddr string
	wsAddr  string
}

// setupJourneyServer starts a server with TCP, SSH and WebSocket listeners on
// random loopback ports.
func setupJourneyServer(t *testing.T, mutate func(*ServerConfig)) *journeyServers {
	t.Helper()
	tmpDir := t.TempDir()

	config := DefaultConfig()
	config.TCPPort = 0
	config.SSHHostKeyPath = filepath.Join(tmpDir, "ssh_host_key")
	if mutate != nil {
		mutate(&config)
	}

	srv, err := NewServer(config, "")
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	sshConfig, err := srv.sshServerConfig()
	require.NoError(t, err)
	sshListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.serveSSH(sshListener, sshConfig)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	wsListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.serveHTTP(wsListener, mux)

	return &journeyServers{
		srv:     srv,
		tcpAddr: fmt.Sprintf("127.0.0.1:%d", srv.TCPAddr().(*net.TCPAddr).Port),
		sshAddr: sshListener.Addr().String(),
		wsAddr:  wsListener.Addr().String(),
	}
}

type transportFactory struct {
	name    string
	connect func(t *testing.T, s *journeyServers) *testClient
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(t *testing.T, s *journeyServers) *testClient { return dialTCP(t, s.tcpAddr) }},
		{"ssh", func(t *testing.T, s *journeyServers) *testClient { return dialSSH(t, s.sshAddr) }},
		{"websocket", func(t *testing.T, s *journeyServers) *testClient { return dialWS(t, s.wsAddr) }},
	}
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestJourneyRoomChat(t *testing.T) {
	for _, tr := range allTransports() {
		t.Run(tr.name, func(t *testing.T) {
			s := setupJourneyServer(t, nil)

			alice := tr.connect(t, s)
			bob := tr.connect(t, s)
			alice.connect(t, "alice")
			bob.connect(t, "bob")

			alice.createRoom(t, "general", "General", "")
			alice.joinRoom(t, "general", "General", "")
			bob.expectRoomList(t, "general|General|1;")

			bob.joinRoom(t, "general", "General", "")
			alice.expectNotice(t, "bob joined the room")

			bob.say(t, "hello from bob")
			env := alice.expectText(t, "bob", "hello from bob")
			assert.Equal(t, "general", env.RoomID)
			bob.expectNoText(t, 200*time.Millisecond)

			bob.send(t, &protocol.Envelope{Type: protocol.TypeRoomUsers})
			users := bob.expectType(t, protocol.TypeRoomUsers)
			assert.Equal(t, []string{"alice", "bob"}, protocol.ParseUserList(users.Content))

			bob.send(t, &protocol.Envelope{Type: protocol.TypeLeaveRoom})
			alice.expectNotice(t, "bob left the room")
			alice.expectRoomList(t, "general|General|1;")
		})
	}
}

func TestJourneyMixedTransports(t *testing.T) {
	s := setupJourneyServer(t, nil)

	alice := dialTCP(t, s.tcpAddr)
	bob := dialSSH(t, s.sshAddr)
	carol := dialWS(t, s.wsAddr)

	alice.connect(t, "alice")
	bob.connect(t, "bob")
	carol.connect(t, "carol")

	alice.createRoom(t, "mix", "Mix", "")
	for _, c := range []*testClient{alice, bob, carol} {
		c.joinRoom(t, "mix", "Mix", "")
	}

	alice.say(t, "over tcp")
	bob.expectText(t, "alice", "over tcp")
	carol.expectText(t, "alice", "over tcp")

	carol.say(t, "over websocket")
	alice.expectText(t, "carol", "over websocket")
	bob.expectText(t, "carol", "over websocket")
}

func TestJourneyLargeMessageCompressed(t *testing.T) {
	for _, tr := range allTransports() {
		t.Run(tr.name, func(t *testing.T) {
			s := setupJourneyServer(t, nil)
			alice := tr.connect(t, s)
			bob := tr.connect(t, s)
			alice.connect(t, "alice")
			bob.connect(t, "bob")

			alice.createRoom(t, "big", "Big", "")
			alice.joinRoom(t, "big", "Big", "")
			bob.joinRoom(t, "big", "Big", "")

			long := strings.Repeat("all work and no play ", 150)
			require.Less(t, len(long), DefaultConfig().MaxMessageLength)
			alice.say(t, long)
			bob.expectText(t, "alice", long)
		})
	}
}

func TestJourneyPasswordProtectedRoom(t *testing.T) {
	for _, tr := range allTransports() {
		t.Run(tr.name, func(t *testing.T) {
			s := setupJourneyServer(t, nil)
			alice := tr.connect(t, s)
			alice.connect(t, "alice")

			alice.createRoom(t, "vault", "Vault", "hunter2")

			alice.send(t, &protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "vault", Password: "wrong"})
			env := alice.expectType(t, protocol.TypePasswordIncorrect)
			assert.Equal(t, "vault", env.RoomID)

			alice.say(t, "nobody hears this")
			alice.expectNotice(t, "You must join a room first!")

			alice.joinRoom(t, "vault", "Vault", "hunter2")
		})
	}
}

func TestJourneyRequestsBeforeConnect(t *testing.T) {
	s := setupJourneyServer(t, nil)
	c := dialTCP(t, s.tcpAddr)

	c.send(t, &protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "general"})
	c.expectNotice(t, "You must connect first!")

	c.send(t, &protocol.Envelope{Type: protocol.TypeRoomList})
	c.expectRoomList(t, "")

	c.send(t, &protocol.Envelope{Type: protocol.TypeConnect, Sender: "  "})
	c.expectNotice(t, "Username must not be empty!")

	c.connect(t, "alice")
	c.send(t, &protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "nope"})
	c.expectNotice(t, "Room does not exist!")
}

func TestJourneyBadFrames(t *testing.T) {
	s := setupJourneyServer(t, nil)
	c := dialTCP(t, s.tcpAddr)
	c.connect(t, "alice")

	// TEXT whose payload stops inside the sender string
	c.sendFrame(t, &protocol.Frame{Version: protocol.ProtocolVersion, Type: uint8(protocol.TypeText), Payload: []byte{0x00, 0x05, 'a'}})
	c.expectNotice(t, "Malformed message")

	c.sendFrame(t, &protocol.Frame{Version: protocol.ProtocolVersion, Type: 0x7F, Payload: []byte{0x01, 0x02}})
	c.expectNotice(t, "Unsupported message type")

	// The stream is still aligned afterwards
	c.send(t, &protocol.Envelope{Type: protocol.TypeRoomList})
	c.expectRoomList(t, "")
}

func TestJourneyDuplicateUsernameReplace(t *testing.T) {
	for _, tr := range allTransports() {
		t.Run(tr.name, func(t *testing.T) {
			s := setupJourneyServer(t, nil)

			first := tr.connect(t, s)
			first.connect(t, "alice")
			first.createRoom(t, "general", "General", "")
			first.joinRoom(t, "general", "General", "")

			watcher := dialTCP(t, s.tcpAddr)
			watcher.connect(t, "bob")
			watcher.joinRoom(t, "general", "General", "")

			second := tr.connect(t, s)
			second.connect(t, "alice")

			first.expectNotice(t, "Signed in from another connection")
			first.expectClosed(t)

			second.joinRoom(t, "general", "General", "")
			second.say(t, "it's me again")
			watcher.expectText(t, "alice", "it's me again")

			// The evicted connection's cleanup must not unseat the new one
			watcher.send(t, &protocol.Envelope{Type: protocol.TypeRoomUsers})
			users := watcher.expectType(t, protocol.TypeRoomUsers)
			assert.Equal(t, []string{"alice", "bob"}, protocol.ParseUserList(users.Content))
		})
	}
}

func TestJourneyDuplicateUsernameReject(t *testing.T) {
	s := setupJourneyServer(t, func(c *ServerConfig) { c.DuplicatePolicy = PolicyReject })

	first := dialTCP(t, s.tcpAddr)
	first.connect(t, "alice")

	second := dialWS(t, s.wsAddr)
	second.send(t, &protocol.Envelope{Type: protocol.TypeConnect, Sender: "alice"})
	second.expectNotice(t, "Username is already in use!")

	// The rejected connection may pick another name
	second.connect(t, "alice2")

	first.send(t, &protocol.Envelope{Type: protocol.TypeRoomList})
	first.expectType(t, protocol.TypeRoomList)
}

func TestJourneyAbruptDisconnect(t *testing.T) {
	for _, tr := range allTransports() {
		t.Run(tr.name, func(t *testing.T) {
			s := setupJourneyServer(t, nil)

			alice := dialTCP(t, s.tcpAddr)
			alice.connect(t, "alice")
			alice.createRoom(t, "general", "General", "")
			alice.joinRoom(t, "general", "General", "")

			bob := tr.connect(t, s)
			bob.connect(t, "bob")
			bob.joinRoom(t, "general", "General", "")
			alice.expectNotice(t, "bob joined the room")

			bob.close()
			alice.expectNotice(t, "bob left the room")
			alice.expectRoomList(t, "general|General|1;")

			// The name is free again
			again := tr.connect(t, s)
			again.connect(t, "bob")
		})
	}
}

func TestJourneyExplicitDisconnect(t *testing.T) {
	s := setupJourneyServer(t, nil)

	alice := dialTCP(t, s.tcpAddr)
	alice.connect(t, "alice")
	alice.createRoom(t, "general", "General", "")
	alice.joinRoom(t, "general", "General", "")

	bob := dialSSH(t, s.sshAddr)
	bob.connect(t, "bob")
	bob.joinRoom(t, "general", "General", "")

	bob.send(t, &protocol.Envelope{Type: protocol.TypeDisconnect})
	alice.expectNotice(t, "bob left the room")
	bob.expectClosed(t)
}

func TestJourneyEmptyRoomReaped(t *testing.T) {
	s := setupJourneyServer(t, func(c *ServerConfig) {
		c.EmptyRoomTTL = 200 * time.Millisecond
		c.ReapInterval = 50 * time.Millisecond
	})

	alice := dialTCP(t, s.tcpAddr)
	alice.connect(t, "alice")
	alice.createRoom(t, "temp", "Temp", "")
	alice.expectRoomList(t, "temp|Temp|0;")

	alice.expectRoomList(t, "")
	alice.send(t, &protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: "temp"})
	alice.expectNotice(t, "Room does not exist!")

	assert.Equal(t, float64(1), counterValue(t, s.srv.metrics, "roomchat_rooms_reaped_total"))
}

func TestJourneyShutdownNotifiesClients(t *testing.T) {
	s := setupJourneyServer(t, nil)

	named := dialTCP(t, s.tcpAddr)
	named.connect(t, "alice")
	viaSSH := dialSSH(t, s.sshAddr)
	viaSSH.connect(t, "bob")
	anonymous := dialWS(t, s.wsAddr)
	anonymous.send(t, &protocol.Envelope{Type: protocol.TypeRoomList})
	anonymous.expectRoomList(t, "")

	done := make(chan error, 1)
	go func() { done <- s.srv.Stop() }()

	named.expectNotice(t, "Server shutting down")
	named.expectClosed(t)
	viaSSH.expectNotice(t, "Server shutting down")
	viaSSH.expectClosed(t)
	anonymous.expectClosed(t)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownGrace + journeyTimeout):
		t.Fatal("Stop did not return")
	}

	_, err := net.DialTimeout("tcp", s.tcpAddr, time.Second)
	assert.Error(t, err, "listener must be closed")
}

func TestJourneyAuditLog(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	s := setupJourneyServer(t, func(c *ServerConfig) { c.DatabasePath = dbPath })

	alice := dialTCP(t, s.tcpAddr)
	alice.connect(t, "alice")
	alice.createRoom(t, "vault", "Vault", "hunter2")
	alice.send(t, &protocol.Envelope{Type: protocol.TypeDisconnect})
	alice.expectClosed(t)

	require.NoError(t, s.srv.Stop())

	audit, err := database.Open(dbPath)
	require.NoError(t, err)
	defer audit.Close()

	sessions, err := audit.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "alice", sessions[0].Username)
	assert.Equal(t, "tcp", sessions[0].ConnType)
	assert.NotNil(t, sessions[0].DisconnectedAt)

	rooms, err := audit.ListRoomEvents()
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "vault", rooms[0].RoomID)
	assert.True(t, rooms[0].HasPassword)
}

func TestHealthHandler(t *testing.T) {
	s := setupJourneyServer(t, nil)
	c := dialTCP(t, s.tcpAddr)
	c.connect(t, "alice")
	c.createRoom(t, "general", "General", "")

	rec := httptest.NewRecorder()
	s.srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"rooms":1`)
	assert.Contains(t, rec.Body.String(), `"sessions":1`)
}

func TestReapInterval(t *testing.T) {
	tests := []struct {
		ttl, interval, want time.Duration
	}{
		{ttl: time.Second, want: time.Second},
		{ttl: 10 * time.Second, want: 5 * time.Second},
		{ttl: time.Hour, want: 30 * time.Second},
		{ttl: time.Hour, interval: 2 * time.Second, want: 2 * time.Second},
	}
	for _, tt := range tests {
		s := &Server{config: ServerConfig{EmptyRoomTTL: tt.ttl, ReapInterval: tt.interval}}
		assert.Equal(t, tt.want, s.reapInterval(), "ttl=%v interval=%v", tt.ttl, tt.interval)
	}
}

func TestNewServerRejectsUnknownPolicy(t *testing.T) {
	config := DefaultConfig()
	config.DuplicatePolicy = "kick"
	_, err := NewServer(config, "")
	assert.Error(t, err)
}

func TestAcceptErrorIsFatal(t *testing.T) {
	srv, err := NewServer(DefaultConfig(), "")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.serveTCP(ln)

	// Closing the listener outside of shutdown looks like a broken socket
	ln.Close()
	select {
	case err := <-srv.Err():
		assert.True(t, errors.Is(err, net.ErrClosed))
	case <-time.After(journeyTimeout):
		t.Fatal("accept failure was not reported")
	}
	require.NoError(t, srv.Stop())
}
