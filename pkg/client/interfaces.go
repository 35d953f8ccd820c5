package client

import (
	"github.com/aeolun/roomchat/pkg/protocol"
)

// Transport is the envelope stream a Client runs on. Connection implements
// it; tests substitute an in-memory one.
type Transport interface {
	Send(env *protocol.Envelope) error
	Incoming() <-chan *protocol.Envelope
	Close()
}

// StateInterface defines the interface for client state persistence
type StateInterface interface {
	GetLastNickname() string
	SetLastNickname(nickname string) error
	GetLastServer() string
	SaveSuccessfulConnection(serverAddress, connType string) error
	Close() error
}
