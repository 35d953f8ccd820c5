package server

import (
	"fmt"
	"log"
	"strings"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/protocol"
)

// Phase is where a connection is in its lifecycle.
type Phase int

const (
	PhaseUnregistered Phase = iota
	PhaseConnected
	PhaseInRoom
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnregistered:
		return "unregistered"
	case PhaseConnected:
		return "connected"
	case PhaseInRoom:
		return "in-room"
	case PhaseClosed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// State is the per-connection handler state. It is owned by the connection's
// message loop and never shared.
type State struct {
	Phase    Phase
	Username string
	RoomID   string // set only in PhaseInRoom
}

// EffectKind says where an effect's envelope goes.
type EffectKind int

const (
	// EffectReply goes to the session that sent the request.
	EffectReply EffectKind = iota
	// EffectToRoom goes to every member of RoomID except Exclude.
	EffectToRoom
	// EffectToAll goes to every registered session.
	EffectToAll
	// EffectEvict sends Envelope to Target and then closes it.
	EffectEvict
)

// Effect is one outbound delivery produced by a handler. Handlers never write
// to a connection themselves; the message loop applies effects in order.
type Effect struct {
	Kind     EffectKind
	Envelope *protocol.Envelope
	RoomID   string
	Exclude  string
	Target   *Session
}

func reply(env *protocol.Envelope) Effect {
	return Effect{Kind: EffectReply, Envelope: env}
}

func notify(content, roomID string) Effect {
	return reply(protocol.NewNotification(content, roomID))
}

func toRoom(roomID, exclude string, env *protocol.Envelope) Effect {
	return Effect{Kind: EffectToRoom, RoomID: roomID, Exclude: exclude, Envelope: env}
}

func toAll(env *protocol.Envelope) Effect {
	return Effect{Kind: EffectToAll, Envelope: env}
}

// Notification texts sent to clients.
const (
	msgUsernameEmpty    = "Username must not be empty!"
	msgUsernameTooLong  = "Username is too long!"
	msgUsernameInvalid  = "Username must not contain '|' or ';'!"
	msgUsernameInUse    = "Username is already in use!"
	msgReplaced         = "Signed in from another connection"
	msgConnectFirst     = "You must connect first!"
	msgRoomExists       = "Room ID already exists!"
	msgRoomInvalid      = "Room ID must be non-empty and must not contain '|' or ';'!"
	msgRoomNotFound     = "Room does not exist!"
	msgRoomListFull     = "Room limit reached, cannot create more rooms!"
	msgPasswordWrong    = "Incorrect password!"
	msgJoinFirst        = "You must join a room first!"
	msgMessageTooLong   = "Message too long!"
	msgUnsupported      = "Unsupported message type"
	msgMalformed        = "Malformed message"
	msgServerShutdown   = "Server shutting down"
	fmtAlreadyConnected = "Already connected as %s"
	fmtRoomCreated      = "Room '%s' created successfully!"
	fmtJoinedRoom       = "Joined room: %s"
	fmtMemberJoined     = "%s joined the room"
	fmtMemberLeft       = "%s left the room"
)

type handlerFunc func(h *Handler, sess *Session, st State, env *protocol.Envelope) (State, []Effect)

// handlers maps each client request type to its transition.
var handlers = map[protocol.Type]handlerFunc{
	protocol.TypeConnect:    (*Handler).handleConnect,
	protocol.TypeDisconnect: (*Handler).handleDisconnect,
	protocol.TypeText:       (*Handler).handleText,
	protocol.TypeJoinRoom:   (*Handler).handleJoinRoom,
	protocol.TypeCreateRoom: (*Handler).handleCreateRoom,
	protocol.TypeLeaveRoom:  (*Handler).handleLeaveRoom,
	protocol.TypeRoomList:   (*Handler).handleRoomList,
	protocol.TypeRoomUsers:  (*Handler).handleRoomUsers,
}

// allowedUnregistered lists the requests accepted before CONNECT.
var allowedUnregistered = map[protocol.Type]bool{
	protocol.TypeConnect:    true,
	protocol.TypeRoomList:   true,
	protocol.TypeDisconnect: true,
}

// Handler is the session state machine. It mutates the room and session
// registries and describes every delivery as an Effect.
type Handler struct {
	rooms             *RoomRegistry
	sessions          *SessionManager
	audit             *database.AuditLog
	policy            DuplicatePolicy
	maxMessageLength  int
	maxUsernameLength int
}

// NewHandler creates a handler over the given registries. audit may be nil.
func NewHandler(rooms *RoomRegistry, sessions *SessionManager, config ServerConfig, audit *database.AuditLog) *Handler {
	return &Handler{
		rooms:             rooms,
		sessions:          sessions,
		audit:             audit,
		policy:            config.DuplicatePolicy,
		maxMessageLength:  config.MaxMessageLength,
		maxUsernameLength: config.MaxUsernameLength,
	}
}

// Handle applies one inbound envelope.
func (h *Handler) Handle(sess *Session, st State, env *protocol.Envelope) (State, []Effect) {
	if st.Phase == PhaseClosed {
		return st, nil
	}

	fn, ok := handlers[env.Type]
	if !ok {
		return st, []Effect{notify(msgUnsupported, "")}
	}
	if st.Phase == PhaseUnregistered && !allowedUnregistered[env.Type] {
		return st, []Effect{notify(msgConnectFirst, "")}
	}
	return fn(h, sess, st, env)
}

// Malformed answers a frame whose payload could not be decoded.
func (h *Handler) Malformed(st State) (State, []Effect) {
	if st.Phase == PhaseClosed {
		return st, nil
	}
	return st, []Effect{notify(msgMalformed, "")}
}

// Disconnect runs the cleanup for an explicit DISCONNECT or a failed read.
func (h *Handler) Disconnect(sess *Session, st State) (State, []Effect) {
	if st.Phase == PhaseClosed {
		return st, nil
	}

	var effects []Effect
	if st.Phase == PhaseInRoom {
		st, effects = h.leave(sess, st)
	}
	if st.Username != "" {
		if h.sessions.Unregister(st.Username, sess) {
			debugLog.Printf("Session %d: %s unregistered", sess.ID, st.Username)
		}
	}
	return State{Phase: PhaseClosed, Username: st.Username}, effects
}

func (h *Handler) handleConnect(sess *Session, st State, env *protocol.Envelope) (State, []Effect) {
	if st.Phase != PhaseUnregistered {
		return st, []Effect{notify(fmt.Sprintf(fmtAlreadyConnected, st.Username), "")}
	}

	username := strings.TrimSpace(env.Sender)
	switch {
	case username == "":
		return st, []Effect{notify(msgUsernameEmpty, "")}
	case h.maxUsernameLength > 0 && len(username) > h.maxUsernameLength:
		return st, []Effect{notify(msgUsernameTooLong, "")}
	case !protocol.ValidRoomField(username):
		return st, []Effect{notify(msgUsernameInvalid, "")}
	}

	prev, ok := h.sessions.Register(username, sess, h.policy)
	if !ok {
		debugLog.Printf("Session %d: username %q rejected, already in use", sess.ID, username)
		return st, []Effect{notify(msgUsernameInUse, "")}
	}

	log.Printf("%s connected (session %d, %s)", username, sess.ID, sess.ConnType)
	h.audit.RecordLogin(sess.ID, username)

	var effects []Effect
	if prev != nil {
		debugLog.Printf("Session %d: %s replaces session %d", sess.ID, username, prev.ID)
		effects = append(effects, Effect{
			Kind:     EffectEvict,
			Target:   prev,
			Envelope: protocol.NewNotification(msgReplaced, ""),
		})
	}
	effects = append(effects, reply(protocol.NewRoomListReply(h.rooms.Snapshot())))

	return State{Phase: PhaseConnected, Username: username}, effects
}

func (h *Handler) handleDisconnect(sess *Session, st State, env *protocol.Envelope) (State, []Effect) {
	return h.Disconnect(sess, st)
}

func (h *Handler) handleCreateRoom(sess *Session, st State, env *protocol.Envelope) (State, []Effect) {
	roomID, name, err := ValidateRoom(env.RoomID, env.RoomName)
	if err != nil {
		return st, []Effect{notify(msgRoomInvalid, "")}
	}

	switch h.rooms.Create(roomID, name, env.Password) {
	case AlreadyExists:
		return st, []Effect{notify(msgRoomExists, "")}
	case RoomListFull:
		log.Printf("Room %s refused: room list is full (%d rooms)", roomID, h.rooms.Count())
		return st, []Effect{notify(msgRoomListFull, "")}
	}

	protected := env.Password != ""
	if protected {
		log.Printf("Room created: %s (%s) with password", name, roomID)
	} else {
		log.Printf("Room created: %s (%s)", name, roomID)
	}
	h.audit.RecordRoomCreated(roomID, name, protected)

	return st, []Effect{
		notify(fmt.Sprintf(fmtRoomCreated, name), roomID),
		reply(protocol.NewRoomListReply(h.rooms.Snapshot())),
	}
}

func (h *Handler) handleJoinRoom(sess *Session, st State, env *protocol.Envelope) (State, []Effect) {
	roomID := strings.TrimSpace(env.RoomID)
	member := Member{Username: st.Username, SessionID: sess.ID}

	result, info := h.rooms.Join(roomID, member, env.Password, st.RoomID)
	switch result {
	case NotFound:
		return st, []Effect{notify(msgRoomNotFound, "")}
	case WrongPassword:
		debugLog.Printf("Session %d: wrong password for room %s", sess.ID, roomID)
		return st, []Effect{{
			Kind:     EffectReply,
			Envelope: &protocol.Envelope{Type: protocol.TypePasswordIncorrect, Sender: protocol.ServerSender, Content: msgPasswordWrong, RoomID: roomID},
		}}
	}

	var effects []Effect
	if st.Phase == PhaseInRoom {
		// Membership already moved inside Join; only the announcements remain.
		effects = append(effects, h.leftEffects(st.Username, st.RoomID)...)
	}

	log.Printf("%s joined room: %s", st.Username, info.Name)
	effects = append(effects,
		notify(fmt.Sprintf(fmtJoinedRoom, info.Name), roomID),
		toRoom(roomID, st.Username, protocol.NewNotification(fmt.Sprintf(fmtMemberJoined, st.Username), roomID)),
		toAll(protocol.NewRoomListReply(h.rooms.Snapshot())),
	)

	return State{Phase: PhaseInRoom, Username: st.Username, RoomID: roomID}, effects
}

func (h *Handler) handleText(sess *Session, st State, env *protocol.Envelope) (State, []Effect) {
	if st.Phase != PhaseInRoom {
		return st, []Effect{notify(msgJoinFirst, "")}
	}
	if h.maxMessageLength > 0 && len(env.Content) > h.maxMessageLength {
		return st, []Effect{notify(msgMessageTooLong, st.RoomID)}
	}

	debugLog.Printf("[%s] %s: %s", st.RoomID, st.Username, env.Content)
	return st, []Effect{toRoom(st.RoomID, st.Username, &protocol.Envelope{
		Type:    protocol.TypeText,
		Sender:  st.Username,
		Content: env.Content,
		RoomID:  st.RoomID,
	})}
}

func (h *Handler) handleLeaveRoom(sess *Session, st State, env *protocol.Envelope) (State, []Effect) {
	if st.Phase != PhaseInRoom {
		return st, nil
	}
	return h.leave(sess, st)
}

func (h *Handler) handleRoomList(sess *Session, st State, env *protocol.Envelope) (State, []Effect) {
	return st, []Effect{reply(protocol.NewRoomListReply(h.rooms.Snapshot()))}
}

func (h *Handler) handleRoomUsers(sess *Session, st State, env *protocol.Envelope) (State, []Effect) {
	roomID := strings.TrimSpace(env.RoomID)
	if roomID == "" {
		roomID = st.RoomID
	}
	if roomID == "" {
		return st, []Effect{notify(msgJoinFirst, "")}
	}

	members, ok := h.rooms.Members(roomID)
	if !ok {
		return st, []Effect{notify(msgRoomNotFound, "")}
	}
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Username
	}

	return st, []Effect{reply(&protocol.Envelope{
		Type:    protocol.TypeRoomUsers,
		Sender:  protocol.ServerSender,
		Content: protocol.EncodeUserList(names),
		RoomID:  roomID,
	})}
}

// leave removes the session from its current room and announces it.
func (h *Handler) leave(sess *Session, st State) (State, []Effect) {
	next := State{Phase: PhaseConnected, Username: st.Username}

	_, removed := h.rooms.Leave(st.RoomID, Member{Username: st.Username, SessionID: sess.ID})
	if !removed {
		// The entry belongs to a newer connection under the same name.
		return next, nil
	}
	log.Printf("%s left room: %s", st.Username, st.RoomID)
	return next, h.leftEffects(st.Username, st.RoomID)
}

func (h *Handler) leftEffects(username, roomID string) []Effect {
	return []Effect{
		toRoom(roomID, username, protocol.NewNotification(fmt.Sprintf(fmtMemberLeft, username), roomID)),
		toAll(protocol.NewRoomListReply(h.rooms.Snapshot())),
	}
}
