package client

import (
	"errors"
	"strings"
	"sync"

	"github.com/aeolun/roomchat/pkg/protocol"
)

var (
	// ErrNotConnected is returned for requests that need a CONNECT first
	ErrNotConnected = errors.New("not connected: send CONNECT first")
	// ErrAlreadyConnected is returned by a second Connect
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNotInRoom is returned by SendText outside any room
	ErrNotInRoom = errors.New("not in a room")
	// ErrEmptyUsername is returned by Connect for a blank name
	ErrEmptyUsername = errors.New("username must not be empty")
)

// Every CONNECT rejection notice starts with this.
const usernameRejectedPrefix = "Username "

// Client speaks the roomchat protocol on top of a Transport. It enforces
// the client side of the contract (CONNECT first, TEXT only inside a room)
// and keeps a RoomTracker current from everything the server sends.
type Client struct {
	conn    Transport
	tracker RoomTracker

	mu         sync.Mutex
	username   string
	confirmed  bool // the server answered CONNECT with a room list
	anonLists  int  // ROOM_LIST requests sent before CONNECT, still unanswered
	listsAhead int  // of those, replies still due before the CONNECT answer

	incoming  chan *protocol.Envelope
	done      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

// Dial connects to addr (see NewConnection for accepted forms).
func Dial(addr string) (*Client, error) {
	conn, err := NewConnection(addr)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an already connected transport.
func NewClient(conn Transport) *Client {
	c := &Client{
		conn:     conn,
		incoming: make(chan *protocol.Envelope, queueSize),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
	go c.pump()
	return c
}

// pump feeds the tracker before handing each envelope to the caller, so
// state queries reflect an envelope by the time it is received.
func (c *Client) pump() {
	defer close(c.done)
	defer close(c.incoming)

	for env := range c.conn.Incoming() {
		c.observeConnect(env)
		c.tracker.Observe(env)
		select {
		case c.incoming <- env:
		case <-c.quit:
			return
		}
	}
}

// observeConnect settles a pending CONNECT. The server answers it with either
// a room list or a rejection notice, and sends nothing else to an
// unregistered session except replies to earlier anonymous ROOM_LIST requests.
func (c *Client) observeConnect(env *protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.username == "":
		if env.Type == protocol.TypeRoomList && c.anonLists > 0 {
			c.anonLists--
		}
	case c.confirmed:
	case env.Type == protocol.TypeRoomList:
		if c.listsAhead > 0 {
			c.listsAhead--
			return
		}
		c.confirmed = true
	case env.Type == protocol.TypeNotification && strings.HasPrefix(env.Content, usernameRejectedPrefix):
		c.username = ""
		c.listsAhead = 0
	}
}

// Incoming returns server envelopes. It is closed when the connection ends.
func (c *Client) Incoming() <-chan *protocol.Envelope {
	return c.incoming
}

// Done is closed once the connection has ended and Incoming is drained.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Username returns the name sent with CONNECT. It is cleared again if the
// server rejects that name.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// CurrentRoom returns the joined room id, or "".
func (c *Client) CurrentRoom() string { return c.tracker.CurrentRoom() }

// Rooms returns the last room-list snapshot.
func (c *Client) Rooms() []protocol.RoomInfo { return c.tracker.Rooms() }

// Users returns the last room member list.
func (c *Client) Users() []string { return c.tracker.Users() }

// Connect registers username with the server.
func (c *Client) Connect(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrEmptyUsername
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.username != "" {
		return ErrAlreadyConnected
	}
	if err := c.conn.Send(&protocol.Envelope{Type: protocol.TypeConnect, Sender: username}); err != nil {
		return err
	}
	c.username = username
	c.confirmed = false
	c.listsAhead = c.anonLists
	c.anonLists = 0
	return nil
}

func (c *Client) send(env *protocol.Envelope) error {
	c.mu.Lock()
	username := c.username
	c.mu.Unlock()

	if username == "" {
		return ErrNotConnected
	}
	env.Sender = username
	return c.conn.Send(env)
}

// CreateRoom asks the server to create a room. It does not join it.
func (c *Client) CreateRoom(id, name, password string) error {
	return c.send(&protocol.Envelope{Type: protocol.TypeCreateRoom, RoomID: id, RoomName: name, Password: password})
}

// JoinRoom asks to join id, leaving the current room on success.
func (c *Client) JoinRoom(id, password string) error {
	return c.send(&protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: id, Password: password})
}

// LeaveRoom leaves the current room, if any.
func (c *Client) LeaveRoom() error {
	if err := c.send(&protocol.Envelope{Type: protocol.TypeLeaveRoom}); err != nil {
		return err
	}
	c.tracker.Left()
	return nil
}

// SendText posts content to the current room.
func (c *Client) SendText(content string) error {
	room := c.tracker.CurrentRoom()
	if room == "" {
		return ErrNotInRoom
	}
	return c.send(&protocol.Envelope{Type: protocol.TypeText, Content: content, RoomID: room})
}

// RequestRoomList asks for a room-list snapshot. Allowed before Connect.
func (c *Client) RequestRoomList() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	anonymous := c.username == ""
	if anonymous {
		c.anonLists++
	}
	if err := c.conn.Send(&protocol.Envelope{Type: protocol.TypeRoomList, Sender: c.username}); err != nil {
		if anonymous {
			c.anonLists--
		}
		return err
	}
	return nil
}

// RequestRoomUsers asks for the members of roomID, or of the current room
// when roomID is empty.
func (c *Client) RequestRoomUsers(roomID string) error {
	return c.send(&protocol.Envelope{Type: protocol.TypeRoomUsers, RoomID: roomID})
}

// Disconnect says goodbye; the server closes the stream afterwards.
func (c *Client) Disconnect() error {
	return c.conn.Send(&protocol.Envelope{Type: protocol.TypeDisconnect, Sender: c.Username()})
}

// Close drops the connection without a DISCONNECT.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.conn.Close()
	})
}
