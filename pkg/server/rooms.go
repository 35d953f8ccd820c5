package server

import (
	"crypto/subtle"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
)

var (
	ErrEmptyRoomID     = errors.New("room id must not be empty")
	ErrInvalidRoomName = errors.New("room id and name must not contain '|' or ';'")
)

// CreateResult is the outcome of RoomRegistry.Create.
type CreateResult int

const (
	Created CreateResult = iota
	AlreadyExists
	// RoomListFull means the room would push the snapshot past its size bound.
	RoomListFull
)

// JoinResult is the outcome of RoomRegistry.Join.
type JoinResult int

const (
	Joined JoinResult = iota
	NotFound
	WrongPassword
)

// Member is one occupant of a room. SessionID identifies the connection that
// owns the entry, so a stale connection cannot remove its successor.
type Member struct {
	Username  string
	SessionID uint64
}

type room struct {
	id         string
	name       string
	password   string
	members    map[string]uint64 // username -> owning session ID
	createdAt  time.Time
	emptySince time.Time
}

func (r *room) info() protocol.RoomInfo {
	return protocol.RoomInfo{ID: r.id, Name: r.name, MemberCount: len(r.members)}
}

// RoomRegistry holds every room on the server. Each operation runs under one
// lock, so create-if-absent and leave-then-join are atomic.
type RoomRegistry struct {
	mu    sync.Mutex
	rooms map[string]*room
	now   func() time.Time

	// Worst-case encoded snapshot size and its bound.
	listBytes int
	listLimit int
}

// NewRoomRegistry creates an empty registry
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:     make(map[string]*room),
		now:       time.Now,
		listLimit: protocol.MaxRoomListBytes,
	}
}

// ValidateRoom checks an id/name pair and returns them trimmed, the name
// defaulting to the id. Room-list parsing trims fields, so an untrimmed id
// could never be joined from a listing.
func ValidateRoom(id, name string) (string, string, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" {
		return "", "", ErrEmptyRoomID
	}
	if !protocol.ValidRoomField(id) || !protocol.ValidRoomField(name) {
		return "", "", ErrInvalidRoomName
	}
	if name == "" {
		name = id
	}
	return id, name, nil
}

// Create adds a room unless the id is taken or the room list is full. The
// creator does not become a member.
func (rr *RoomRegistry) Create(id, name, password string) CreateResult {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if _, exists := rr.rooms[id]; exists {
		return AlreadyExists
	}
	size := protocol.RoomRecordSize(id, name)
	if rr.listBytes+size > rr.listLimit {
		return RoomListFull
	}
	rr.listBytes += size

	now := rr.now()
	rr.rooms[id] = &room{
		id:         id,
		name:       name,
		password:   password,
		members:    make(map[string]uint64),
		createdAt:  now,
		emptySince: now,
	}
	return Created
}

// Join adds member to room id after checking the password. On success the
// member is first removed from room from (if non-empty), all in one critical
// section. Failed joins leave every membership untouched.
func (rr *RoomRegistry) Join(id string, member Member, password, from string) (JoinResult, protocol.RoomInfo) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	r, ok := rr.rooms[id]
	if !ok {
		return NotFound, protocol.RoomInfo{}
	}
	if !passwordMatches(r.password, password) {
		return WrongPassword, r.info()
	}

	if from != "" {
		if prev, ok := rr.rooms[from]; ok {
			rr.removeMember(prev, member)
		}
	}
	r.members[member.Username] = member.SessionID
	return Joined, r.info()
}

// Leave removes member from room id when member's session owns the entry.
func (rr *RoomRegistry) Leave(id string, member Member) (protocol.RoomInfo, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	r, ok := rr.rooms[id]
	if !ok {
		return protocol.RoomInfo{}, false
	}
	removed := rr.removeMember(r, member)
	return r.info(), removed
}

func (rr *RoomRegistry) removeMember(r *room, member Member) bool {
	owner, ok := r.members[member.Username]
	if !ok || owner != member.SessionID {
		return false
	}
	delete(r.members, member.Username)
	if len(r.members) == 0 {
		r.emptySince = rr.now()
	}
	return true
}

// Snapshot returns every room sorted by id.
func (rr *RoomRegistry) Snapshot() []protocol.RoomInfo {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	rooms := make([]protocol.RoomInfo, 0, len(rr.rooms))
	for _, r := range rr.rooms {
		rooms = append(rooms, r.info())
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// Members returns the occupants of room id, sorted by username.
func (rr *RoomRegistry) Members(id string) ([]Member, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	r, ok := rr.rooms[id]
	if !ok {
		return nil, false
	}
	members := make([]Member, 0, len(r.members))
	for username, sessionID := range r.members {
		members = append(members, Member{Username: username, SessionID: sessionID})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Username < members[j].Username })
	return members, true
}

// Get returns the public view of one room.
func (rr *RoomRegistry) Get(id string) (protocol.RoomInfo, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	r, ok := rr.rooms[id]
	if !ok {
		return protocol.RoomInfo{}, false
	}
	return r.info(), true
}

// Count returns the number of rooms.
func (rr *RoomRegistry) Count() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.rooms)
}

// ReapEmpty deletes rooms that have had no members for at least ttl and
// returns their ids. A zero ttl keeps every room.
func (rr *RoomRegistry) ReapEmpty(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	cutoff := rr.now().Add(-ttl)
	var reaped []string
	for id, r := range rr.rooms {
		if len(r.members) == 0 && !r.emptySince.After(cutoff) {
			delete(rr.rooms, id)
			rr.listBytes -= protocol.RoomRecordSize(r.id, r.name)
			reaped = append(reaped, id)
		}
	}
	sort.Strings(reaped)
	return reaped
}

// passwordMatches applies the room password rule: an unprotected room admits
// any password, a protected one only an exact match.
func passwordMatches(stored, provided string) bool {
	if stored == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(provided)) == 1
}
