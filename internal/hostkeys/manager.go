// Package hostkeys verifies SSH host keys against a known_hosts file,
// recording unknown hosts on first contact (trust-on-first-use) unless
// strict mode is configured.
package hostkeys

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Manager wraps a known_hosts file and produces an ssh.HostKeyCallback.
type Manager struct {
	path   string
	strict bool

	mu       sync.Mutex
	callback ssh.HostKeyCallback
}

// NewManager ensures the known_hosts file at path exists (creating an empty
// one if not) and loads it. strict, when true, rejects unknown or changed
// host keys instead of recording them.
func NewManager(path string, strict bool) (*Manager, error) {
	if err := ensureFile(path); err != nil {
		return nil, fmt.Errorf("hostkeys: %w", err)
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("hostkeys: loading %s: %w", path, err)
	}
	return &Manager{path: path, strict: strict, callback: cb}, nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		return f.Close()
	}
	return nil
}

// Verify is used as ssh.ClientConfig.HostKeyCallback. On a known_hosts
// mismatch (key changed) or, in strict mode, on an unknown host, it returns
// an error the caller should map to brokererr.KindHostKeyMismatch. In
// non-strict mode an unknown host's key is appended and verification
// succeeds (trust-on-first-use).
func (m *Manager) Verify(hostport string, remote net.Addr, key ssh.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.callback(hostport, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if ok := asKeyError(err, &keyErr); ok && len(keyErr.Want) == 0 {
		// Unknown host: zero "Want" entries means no prior record, as
		// opposed to a changed-key mismatch which populates Want.
		if m.strict {
			return fmt.Errorf("hostkeys: unknown host %s rejected under strict mode", hostport)
		}
		if appendErr := m.append(hostport, key); appendErr != nil {
			return fmt.Errorf("hostkeys: recording new host %s: %w", hostport, appendErr)
		}
		return nil
	}
	return fmt.Errorf("hostkeys: %w", err)
}

func asKeyError(err error, target **knownhosts.KeyError) bool {
	ke, ok := err.(*knownhosts.KeyError)
	if !ok {
		return false
	}
	*target = ke
	return true
}

func (m *Manager) append(hostport string, key ssh.PublicKey) error {
	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{hostport}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return err
	}

	cb, err := knownhosts.New(m.path)
	if err != nil {
		return err
	}
	m.callback = cb
	return nil
}
