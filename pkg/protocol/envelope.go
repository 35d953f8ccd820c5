package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Type identifies the kind of envelope carried in a frame.
type Type uint8

// Envelope types. Client → Server: Connect, Disconnect, Text, JoinRoom,
// CreateRoom, LeaveRoom, RoomList (request), RoomUsers (request).
// Server → Client: Text, RoomList, Notification, RoomUsers, PasswordIncorrect.
const (
	TypeConnect           Type = 0x01
	TypeDisconnect        Type = 0x02
	TypeText              Type = 0x03
	TypeJoinRoom          Type = 0x04
	TypeCreateRoom        Type = 0x05
	TypeLeaveRoom         Type = 0x06
	TypeRoomList          Type = 0x07
	TypeNotification      Type = 0x08
	TypeRoomUsers         Type = 0x09
	TypePasswordIncorrect Type = 0x0A
)

// ServerSender is the sender name on every server-originated envelope.
const ServerSender = "Server"

var (
	ErrUnknownType      = errors.New("unknown envelope type")
	ErrMalformedPayload = errors.New("malformed envelope payload")
)

var typeNames = map[Type]string{
	TypeConnect:           "CONNECT",
	TypeDisconnect:        "DISCONNECT",
	TypeText:              "TEXT",
	TypeJoinRoom:          "JOIN_ROOM",
	TypeCreateRoom:        "CREATE_ROOM",
	TypeLeaveRoom:         "LEAVE_ROOM",
	TypeRoomList:          "ROOM_LIST",
	TypeNotification:      "NOTIFICATION",
	TypeRoomUsers:         "ROOM_USERS",
	TypePasswordIncorrect: "PASSWORD_INCORRECT",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
}

// Valid reports whether t is a known envelope type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Envelope is the unit exchanged between client and server.
//
// RoomID, RoomName and Password are optional on the wire; an empty string is
// sent as "absent" and an absent field decodes to the empty string.
type Envelope struct {
	Type     Type
	Sender   string
	Content  string
	RoomID   string
	RoomName string
	Password string
}

// EncodeTo writes the envelope payload (everything but the type, which lives
// in the frame header).
func (e *Envelope) EncodeTo(w io.Writer) error {
	if err := WriteString(w, e.Sender); err != nil {
		return err
	}
	if err := WriteLongString(w, e.Content); err != nil {
		return err
	}
	for _, field := range []string{e.RoomID, e.RoomName, e.Password} {
		if err := WriteOptionalString(w, optional(field)); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads an envelope payload. The type must already be set by the caller.
func (e *Envelope) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	sender, err := ReadString(buf)
	if err != nil {
		return err
	}
	content, err := ReadLongString(buf)
	if err != nil {
		return err
	}

	var opts [3]string
	for i := range opts {
		v, err := ReadOptionalString(buf)
		if err != nil {
			return err
		}
		if v != nil {
			opts[i] = *v
		}
	}

	e.Sender = sender
	e.Content = content
	e.RoomID, e.RoomName, e.Password = opts[0], opts[1], opts[2]
	return nil
}

// Frame wraps the envelope into a protocol frame.
func (e *Envelope) Frame() (*Frame, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, uint8(e.Type))
	}
	buf := new(bytes.Buffer)
	if err := e.EncodeTo(buf); err != nil {
		return nil, err
	}
	return &Frame{
		Version: ProtocolVersion,
		Type:    uint8(e.Type),
		Payload: buf.Bytes(),
	}, nil
}

// EncodeEnvelope returns the complete frame bytes for env, ready to be written
// to any peer. Broadcasts encode once and share the result.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	frame, err := env.Frame()
	if err != nil {
		return nil, err
	}
	return MarshalFrame(frame)
}

// WriteEnvelope encodes env and writes it as a single frame.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	frame, err := env.Frame()
	if err != nil {
		return err
	}
	return EncodeFrame(w, frame)
}

// ReadEnvelope reads the next frame and decodes its envelope.
//
// A frame with an unknown type or an undecodable payload is consumed in full
// and reported as ErrUnknownType / ErrMalformedPayload together with a non-nil
// envelope, so the stream stays aligned and the caller can decide whether to
// continue. Any other error means the stream itself is broken.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	frame, err := DecodeFrame(r)
	if err != nil {
		return nil, err
	}
	return FrameEnvelope(frame)
}

// FrameEnvelope decodes the envelope carried by an already decoded frame.
func FrameEnvelope(frame *Frame) (*Envelope, error) {
	env := &Envelope{Type: Type(frame.Type)}
	if !env.Type.Valid() {
		return env, fmt.Errorf("%w: 0x%02X", ErrUnknownType, frame.Type)
	}
	if err := env.Decode(frame.Payload); err != nil {
		return env, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
	}
	return env, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// NewNotification builds a server NOTIFICATION, optionally carrying room context.
func NewNotification(content, roomID string) *Envelope {
	return &Envelope{
		Type:    TypeNotification,
		Sender:  ServerSender,
		Content: content,
		RoomID:  roomID,
	}
}

// NewRoomListReply builds a server ROOM_LIST reply from a snapshot.
func NewRoomListReply(rooms []RoomInfo) *Envelope {
	return &Envelope{
		Type:    TypeRoomList,
		Sender:  ServerSender,
		Content: EncodeRoomList(rooms),
	}
}
