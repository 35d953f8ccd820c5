package client

import (
	"strings"
	"sync"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// joinedPrefix starts the notification the server sends after a successful join.
const joinedPrefix = "Joined room: "

// RoomTracker follows what the server has told this client about rooms: the
// room it is in and the most recent room-list snapshot.
type RoomTracker struct {
	mu          sync.RWMutex
	currentRoom string
	rooms       []protocol.RoomInfo
	users       []string
}

// Observe updates the tracker from one server envelope.
func (t *RoomTracker) Observe(env *protocol.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch env.Type {
	case protocol.TypeNotification:
		if strings.HasPrefix(env.Content, joinedPrefix) && env.RoomID != "" {
			t.currentRoom = env.RoomID
		}
	case protocol.TypeRoomList:
		// A snapshot that does not parse leaves the previous one in place
		if rooms, err := protocol.ParseRoomList(env.Content); err == nil {
			t.rooms = rooms
		}
	case protocol.TypeRoomUsers:
		t.users = protocol.ParseUserList(env.Content)
	}
	// PASSWORD_INCORRECT leaves the client where it was
}

// Left records that the client asked to leave its room.
func (t *RoomTracker) Left() {
	t.mu.Lock()
	t.currentRoom = ""
	t.mu.Unlock()
}

// CurrentRoom returns the joined room id, or "" outside any room.
func (t *RoomTracker) CurrentRoom() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentRoom
}

// Rooms returns the last room-list snapshot.
func (t *RoomTracker) Rooms() []protocol.RoomInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]protocol.RoomInfo(nil), t.rooms...)
}

// Users returns the last ROOM_USERS reply.
func (t *RoomTracker) Users() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.users...)
}
