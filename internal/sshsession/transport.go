package sshsession

import (
	"errors"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/opsloop/sshbroker/internal/brokererr"
)

// loadSigner reads a private key from disk. It only parses unencrypted
// keys; callers that need passphrase-protected keys are expected to have
// decrypted them out of band, matching the component contract's assumption
// that key_path points at a ready-to-use key.
func loadSigner(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return signer, nil
}

// classifyDialErr maps a golang.org/x/crypto/ssh dial failure onto the
// component's error taxonomy: ConnectTimeout, AuthFailed,
// HostKeyMismatch, or NetworkUnreachable, in that order of specificity.
func classifyDialErr(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return brokererr.New(brokererr.KindConnectTimeout, err.Error())
	}

	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") {
		return brokererr.New(brokererr.KindAuthFailed, msg)
	}

	if strings.Contains(msg, "knownhosts:") || strings.Contains(msg, "hostkeys:") || strings.Contains(msg, "host key") {
		return brokererr.New(brokererr.KindHostKeyMismatch, msg)
	}

	return brokererr.New(brokererr.KindNetworkUnreachable, msg)
}
