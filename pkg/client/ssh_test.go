package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer.PublicKey()
}

func TestHostKeyTrustOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomchat", "known_hosts")
	v := newHostKeyVerifier(path)
	remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}

	key := newHostKey(t)
	require.NoError(t, v.callback("chat.example.com:2222", remote, key))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[chat.example.com]:2222")

	// Same key again is accepted without another line
	require.NoError(t, v.callback("chat.example.com:2222", remote, key))
	again, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	// A different key for the same host is refused
	err = v.callback("chat.example.com:2222", remote, newHostKey(t))
	assert.ErrorIs(t, err, ErrHostKeyMismatch)

	// Other hosts are trusted independently
	require.NoError(t, v.callback("other.example.com:2222", remote, newHostKey(t)))
}
