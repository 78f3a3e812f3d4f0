package hostkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func genHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub
}

func TestUnknownHostRecordedOnFirstContact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	m, err := NewManager(path, false)
	require.NoError(t, err)

	key := genHostKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 22}

	require.NoError(t, m.Verify("example.com:22", addr, key))
	// Second verification against the now-recorded key must also succeed.
	require.NoError(t, m.Verify("example.com:22", addr, key))
}

func TestStrictModeRejectsUnknownHost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	m, err := NewManager(path, true)
	require.NoError(t, err)

	key := genHostKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 22}

	err = m.Verify("example.com:22", addr, key)
	require.Error(t, err)
}

func TestChangedKeyIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	m, err := NewManager(path, false)
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 22}
	first := genHostKey(t)
	require.NoError(t, m.Verify("example.com:22", addr, first))

	second := genHostKey(t)
	err = m.Verify("example.com:22", addr, second)
	require.Error(t, err)
}
