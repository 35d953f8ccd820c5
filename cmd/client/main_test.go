package main

import (
	"bytes"
	"sync"
	"testing"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	sent     []*protocol.Envelope
	incoming chan *protocol.Envelope
}

func (r *recorder) Send(env *protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *recorder) Incoming() <-chan *protocol.Envelope { return r.incoming }
func (r *recorder) Close()                              {}

func (r *recorder) last() *protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

func newCLI(t *testing.T) (*cli, *recorder, *bytes.Buffer) {
	t.Helper()
	rec := &recorder{incoming: make(chan *protocol.Envelope)}
	c := client.NewClient(rec)
	t.Cleanup(c.Close)
	require.NoError(t, c.Connect("alice"))

	var out bytes.Buffer
	return &cli{client: c, out: &out}, rec, &out
}

func TestExecuteCommands(t *testing.T) {
	term, rec, _ := newCLI(t)

	tests := []struct {
		line string
		want protocol.Envelope
	}{
		{"/create r1 General", protocol.Envelope{Type: protocol.TypeCreateRoom, Sender: "alice", RoomID: "r1", RoomName: "General"}},
		{"/create r2 Secret pw", protocol.Envelope{Type: protocol.TypeCreateRoom, Sender: "alice", RoomID: "r2", RoomName: "Secret", Password: "pw"}},
		{"/join r2 pw", protocol.Envelope{Type: protocol.TypeJoinRoom, Sender: "alice", RoomID: "r2", Password: "pw"}},
		{"/rooms", protocol.Envelope{Type: protocol.TypeRoomList, Sender: "alice"}},
		{"/users r1", protocol.Envelope{Type: protocol.TypeRoomUsers, Sender: "alice", RoomID: "r1"}},
		{"/leave", protocol.Envelope{Type: protocol.TypeLeaveRoom, Sender: "alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			quit, err := term.execute(tt.line)
			require.NoError(t, err)
			assert.False(t, quit)
			assert.Equal(t, &tt.want, rec.last())
		})
	}

	quit, err := term.execute("/quit")
	require.NoError(t, err)
	assert.True(t, quit)
	assert.Equal(t, protocol.TypeDisconnect, rec.last().Type)
}

func TestExecuteNickAfterRejection(t *testing.T) {
	term, rec, _ := newCLI(t)

	_, err := term.execute("/nick bob")
	assert.ErrorIs(t, err, client.ErrAlreadyConnected)

	rec.incoming <- protocol.NewNotification("Username is already in use!", "")
	<-term.client.Incoming()

	_, err = term.execute("/nick bob")
	require.NoError(t, err)
	assert.Equal(t, &protocol.Envelope{Type: protocol.TypeConnect, Sender: "bob"}, rec.last())

	_, err = term.execute("/nick")
	assert.Error(t, err)
}

func TestExecuteErrors(t *testing.T) {
	term, _, _ := newCLI(t)

	_, err := term.execute("hello")
	assert.ErrorIs(t, err, client.ErrNotInRoom)

	_, err = term.execute("/create onlyid")
	assert.Error(t, err)

	_, err = term.execute("/join")
	assert.Error(t, err)

	_, err = term.execute("/frobnicate")
	assert.ErrorContains(t, err, "unknown command")

	quit, err := term.execute("   ")
	assert.NoError(t, err)
	assert.False(t, quit)
}

func TestRenderRoomListOnlyWhenAsked(t *testing.T) {
	term, rec, out := newCLI(t)

	list := protocol.NewRoomListReply([]protocol.RoomInfo{{ID: "r1", Name: "General", MemberCount: 2}})
	term.render(list)
	assert.Empty(t, out.String())

	_, err := term.execute("/rooms")
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeRoomList, rec.last().Type)

	// The tracker is fed by the client pump; render reads through it.
	rec.incoming <- list
	<-term.client.Incoming()
	term.render(list)
	assert.Contains(t, out.String(), "r1 | General (2 users)")

	out.Reset()
	term.render(&protocol.Envelope{Type: protocol.TypeText, Sender: "bob", Content: "hi", RoomID: "r1"})
	assert.Equal(t, "[r1] bob: hi\n", out.String())
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", " "))
}
