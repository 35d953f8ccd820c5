package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/aeolun/roomchat/pkg/protocol"
)

var (
	// ErrConnectionClosed is returned when sending on a closed connection
	ErrConnectionClosed = errors.New("connection closed")
	// ErrOutgoingFull is returned when the outgoing queue cannot take more envelopes
	ErrOutgoingFull = errors.New("outgoing queue full")
)

const queueSize = 100

// Connection is a framed envelope stream to a roomchat server over TCP, SSH
// or WebSocket. Reads and writes each run on their own goroutine.
type Connection struct {
	addr           string // Display address with scheme (e.g., "ws://server:8080")
	dial           func() (net.Conn, error)
	connectionType string // "tcp", "ssh", or "websocket"

	mu        sync.RWMutex
	conn      net.Conn
	connected bool
	closed    bool

	incoming chan *protocol.Envelope
	outgoing chan *protocol.Envelope
	errors   chan error

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewConnection prepares a connection to addr without dialing. Accepted
// forms are host:port (TCP), ssh://[user@]host:port and ws[s]://host:port.
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:           dialConfig.display,
		dial:           dialConfig.dial,
		connectionType: dialConfig.connType,
		incoming:       make(chan *protocol.Envelope, queueSize),
		outgoing:       make(chan *protocol.Envelope, queueSize),
		errors:         make(chan error, 10),
		shutdown:       make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the server and starts the read and write loops. A
// connection is dialed at most once.
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.logf("Connecting to %s...", c.addr)
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.logf("Connected to %s via %s", c.addr, c.connectionType)

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn)
	return nil
}

// Close shuts the connection down and waits for both loops to exit.
// Incoming is closed once the read loop is done.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.connected = false
	c.mu.Unlock()

	close(c.shutdown)
	if conn != nil {
		conn.Close()
	} else {
		// Never dialed, so no read loop will close it
		close(c.incoming)
	}
	c.wg.Wait()
}

// Send queues env for the write loop without blocking.
func (c *Connection) Send(env *protocol.Envelope) error {
	select {
	case <-c.shutdown:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.outgoing <- env:
		return nil
	case <-c.shutdown:
		return ErrConnectionClosed
	default:
		return ErrOutgoingFull
	}
}

// Incoming returns the envelopes received from the server. The channel is
// closed when the server ends the stream or Close is called.
func (c *Connection) Incoming() <-chan *protocol.Envelope {
	return c.incoming
}

// Errors returns read and write failures.
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the display address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetConnectionType returns "tcp", "ssh" or "websocket"
func (c *Connection) GetConnectionType() string {
	return c.connectionType
}

// GetBytesSent returns the number of bytes written to the wire
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the number of bytes read from the wire
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

func (c *Connection) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.incoming)
	defer c.markDisconnected()

	// Always count bytes at the lowest level
	reader := &countingReader{r: conn, counter: &c.bytesReceived}

	for {
		env, err := protocol.ReadEnvelope(reader)
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrUnknownType), errors.Is(err, protocol.ErrMalformedPayload):
			// The frame was consumed whole; skip it and keep reading
			c.logf("Skipping frame: %v", err)
			continue
		case errors.Is(err, io.EOF):
			c.logf("Connection closed by server (EOF)")
			return
		default:
			select {
			case <-c.shutdown:
			default:
				c.logf("Read error: %v", err)
				c.reportError(fmt.Errorf("read error: %w", err))
			}
			return
		}

		c.logf("← RECV: %s", env.Type)

		select {
		case c.incoming <- env:
		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) writeLoop(conn net.Conn) {
	defer c.wg.Done()

	writer := &countingWriter{w: conn, counter: &c.bytesSent}

	for {
		select {
		case env := <-c.outgoing:
			// Encode first so the frame goes out in a single write
			data, err := protocol.EncodeEnvelope(env)
			if err != nil {
				c.logf("Encode error: %v", err)
				c.reportError(fmt.Errorf("encode error: %w", err))
				continue
			}
			if _, err := writer.Write(data); err != nil {
				c.logf("Write error: %v", err)
				c.reportError(fmt.Errorf("write error: %w", err))
				conn.Close()
				return
			}
			c.logf("→ SEND: %s (%d bytes)", env.Type, len(data))

		case <-c.shutdown:
			return
		}
	}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
