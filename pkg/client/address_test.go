package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerAddress(t *testing.T) {
	t.Setenv("ROOMCHAT_SSH_USER", "tester")

	tests := []struct {
		name     string
		addr     string
		display  string
		connType string
	}{
		{"bare host", "chat.example.com", "chat.example.com:5555", "tcp"},
		{"host and port", "chat.example.com:6000", "chat.example.com:6000", "tcp"},
		{"tcp scheme", "tcp://127.0.0.1:7000", "127.0.0.1:7000", "tcp"},
		{"ipv6", "[::1]", "[::1]:5555", "tcp"},
		{"ssh default user", "ssh://chat.example.com", "ssh://tester@chat.example.com:2222", "ssh"},
		{"ssh explicit user", "ssh://alice@chat.example.com:22", "ssh://alice@chat.example.com:22", "ssh"},
		{"websocket default path", "ws://chat.example.com", "ws://chat.example.com:8080/ws", "websocket"},
		{"websocket custom path", "wss://chat.example.com:443/chat", "wss://chat.example.com:443/chat", "websocket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.addr)
			require.NoError(t, err)
			assert.Equal(t, tt.display, cfg.display)
			assert.Equal(t, tt.connType, cfg.connType)
			assert.NotNil(t, cfg.dial)
		})
	}
}

func TestParseServerAddressErrors(t *testing.T) {
	for _, addr := range []string{"", "   ", "ftp://chat.example.com", "tcp://"} {
		_, err := parseServerAddress(addr)
		assert.Error(t, err, "address %q", addr)
	}
}
