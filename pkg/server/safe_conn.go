package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// DefaultWriteTimeout bounds a single frame write. A peer that stops reading
// for this long is dropped like any other slow consumer. Transports without
// deadlines (SSH channels) ignore it.
const DefaultWriteTimeout = 10 * time.Second

// SafeConn wraps a net.Conn with write synchronization so frames from the
// session writer and the shutdown notifier never interleave on the wire.
type SafeConn struct {
	conn         net.Conn
	writeTimeout time.Duration // 0 = no deadline
	mu           sync.Mutex    // Protects writes to conn
	closeOnce    sync.Once
	closeErr     error
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{conn: conn, writeTimeout: writeTimeout}
}

// ReadEnvelope reads the next envelope from the connection.
// Only the session's message loop reads, so no lock is taken.
func (sc *SafeConn) ReadEnvelope() (*protocol.Envelope, error) {
	return protocol.ReadEnvelope(sc.conn)
}

// WriteBytes writes one pre-encoded frame.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.writeTimeout > 0 {
		sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
	}
	_, err := sc.conn.Write(data)
	return err
}

// Close closes the underlying connection. Safe to call more than once.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}
