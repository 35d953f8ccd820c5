package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatePreferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "client.db")

	state, err := OpenState(path)
	require.NoError(t, err)
	assert.Empty(t, state.GetLastNickname())
	assert.Empty(t, state.GetLastServer())

	require.NoError(t, state.SetLastNickname("alice"))
	require.NoError(t, state.SaveSuccessfulConnection("chat.example.com:5555", "tcp"))
	require.NoError(t, state.SaveSuccessfulConnection("ws://other:8080/ws", "websocket"))
	require.NoError(t, state.Close())

	// Everything survives a reopen
	state, err = OpenState(path)
	require.NoError(t, err)
	defer state.Close()
	assert.Equal(t, "alice", state.GetLastNickname())
	assert.Equal(t, "ws://other:8080/ws", state.GetLastServer())
	assert.Equal(t, filepath.Dir(path), state.GetStateDir())

	require.NoError(t, state.SaveSuccessfulConnection("chat.example.com:5555", "tcp"))
	assert.Equal(t, "chat.example.com:5555", state.GetLastServer())
}
