package server

import (
	"github.com/aeolun/roomchat/pkg/protocol"
)

// Broadcaster fans envelopes out to sessions. Every envelope is encoded once
// and the same bytes are queued on each target. Delivery is best effort: a
// target that cannot take the frame is closed and its own message loop
// cleans up.
type Broadcaster struct {
	sessions *SessionManager
	rooms    *RoomRegistry
	metrics  *Metrics
}

// NewBroadcaster creates a broadcaster over the session and room registries
func NewBroadcaster(sessions *SessionManager, rooms *RoomRegistry, metrics *Metrics) *Broadcaster {
	return &Broadcaster{sessions: sessions, rooms: rooms, metrics: metrics}
}

// Apply performs the effects produced for sess, in order.
func (b *Broadcaster) Apply(sess *Session, effects []Effect) {
	for _, e := range effects {
		switch e.Kind {
		case EffectReply:
			b.Send(sess, e.Envelope)
		case EffectToRoom:
			b.ToRoom(e.RoomID, e.Envelope, e.Exclude)
		case EffectToAll:
			b.ToAll(e.Envelope)
		case EffectEvict:
			b.Send(e.Target, e.Envelope)
			e.Target.CloseAfterFlush()
		}
	}
}

// Send queues env for a single session.
func (b *Broadcaster) Send(sess *Session, env *protocol.Envelope) bool {
	data, ok := b.encode(env)
	if !ok {
		return false
	}
	return b.deliver(sess, env.Type, data)
}

// ToRoom queues env for every member of roomID except exclude and returns
// the number of sessions it was queued for. Members whose session is gone
// are skipped.
func (b *Broadcaster) ToRoom(roomID string, env *protocol.Envelope, exclude string) int {
	members, ok := b.rooms.Members(roomID)
	if !ok {
		return 0
	}
	data, ok := b.encode(env)
	if !ok {
		return 0
	}

	sent := 0
	for _, m := range members {
		if m.Username == exclude {
			continue
		}
		sess, ok := b.sessions.GetSession(m.SessionID)
		if !ok {
			continue
		}
		if b.deliver(sess, env.Type, data) {
			sent++
		}
	}
	return sent
}

// ToAll queues env for every registered session.
func (b *Broadcaster) ToAll(env *protocol.Envelope) int {
	data, ok := b.encode(env)
	if !ok {
		return 0
	}

	sent := 0
	for _, sess := range b.sessions.AllNamed() {
		if b.deliver(sess, env.Type, data) {
			sent++
		}
	}
	return sent
}

func (b *Broadcaster) encode(env *protocol.Envelope) ([]byte, bool) {
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		errorLog.Printf("Failed to encode %s: %v", env.Type, err)
		return nil, false
	}
	return data, true
}

func (b *Broadcaster) deliver(sess *Session, typ protocol.Type, data []byte) bool {
	if err := sess.Send(data); err != nil {
		debugLog.Printf("Session %d: dropping %s: %v", sess.ID, typ, err)
		b.metrics.RecordDeliveryFailure()
		sess.Close()
		return false
	}
	debugLog.Printf("Session %d → SEND: %s (%d bytes)", sess.ID, typ, len(data))
	b.metrics.RecordEnvelopeSent(typ.String())
	return true
}
