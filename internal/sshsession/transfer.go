package sshsession

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/opsloop/sshbroker/internal/brokererr"
	"github.com/opsloop/sshbroker/internal/redact"
)

// AllowedPrefixes resolves the "home" keyword against the connected user's
// home directory so the dispatcher can hand the session a config-relative
// prefix list ("home", "/var/log", ...) without the session package knowing
// about user expansion itself.
type AllowedPrefixes struct {
	Prefixes []string
	Home     string
}

func (a AllowedPrefixes) resolve(p string) bool {
	clean := filepath.Clean(p)
	under := func(prefix string) bool {
		prefix = filepath.Clean(prefix)
		return clean == prefix || prefix == "/" || strings.HasPrefix(clean, prefix+"/")
	}
	for _, prefix := range a.Prefixes {
		if prefix == "home" {
			if a.Home != "" && under(a.Home) {
				return true
			}
			continue
		}
		if under(prefix) {
			return true
		}
	}
	return false
}

// checkTransferPath applies the allow-prefix and sensitive-path rules
// common to upload and download: the resolved path must sit under a
// configured prefix and must not look like credential material.
func checkTransferPath(path string, allowed AllowedPrefixes) error {
	if !allowed.resolve(path) {
		return brokererr.New(brokererr.KindTransferPathDenied, fmt.Sprintf("%s is outside every allowed transfer prefix", path))
	}
	if sensitive, reason := redact.IsSensitivePath(path); sensitive {
		return brokererr.New(brokererr.KindTransferPathDenied, fmt.Sprintf("%s: %s", path, reason))
	}
	return nil
}

// Upload writes data to remotePath over a fresh SFTP-free exec channel
// (cat > path), independent of the persistent interactive shell so a
// transfer never competes with Run for the busy flag in a way that could
// leave the shell mid-prompt.
func (s *Session) Upload(remotePath string, data []byte, allowed AllowedPrefixes) error {
	if !s.guard.tryAcquire() {
		return brokererr.New(brokererr.KindBusySession, "a command is already running on this session")
	}
	defer s.guard.release()

	if err := checkTransferPath(remotePath, allowed); err != nil {
		return err
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return brokererr.New(brokererr.KindTransferWriteFailed, err.Error())
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return brokererr.New(brokererr.KindTransferWriteFailed, err.Error())
	}

	cmd := fmt.Sprintf("cat > %s", shellQuote(remotePath))
	if err := sess.Start(cmd); err != nil {
		return brokererr.New(brokererr.KindTransferWriteFailed, err.Error())
	}

	if _, err := stdin.Write(data); err != nil {
		return brokererr.New(brokererr.KindTransferWriteFailed, err.Error())
	}
	if err := stdin.Close(); err != nil {
		return brokererr.New(brokererr.KindTransferWriteFailed, err.Error())
	}
	if err := sess.Wait(); err != nil {
		return brokererr.New(brokererr.KindTransferWriteFailed, err.Error())
	}

	s.touch()
	return nil
}

// Download reads remotePath back over a fresh exec channel (cat path),
// capped at maxBytes; a remote file larger than the cap is reported as
// TransferError.too_large rather than silently truncated, since a partial
// binary/config file is worse than no file.
func (s *Session) Download(remotePath string, maxBytes int, allowed AllowedPrefixes) ([]byte, error) {
	if !s.guard.tryAcquire() {
		return nil, brokererr.New(brokererr.KindBusySession, "a command is already running on this session")
	}
	defer s.guard.release()

	if err := checkTransferPath(remotePath, allowed); err != nil {
		return nil, err
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, brokererr.New(brokererr.KindTransferReadFailed, err.Error())
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out

	cmd := fmt.Sprintf("wc -c < %s", shellQuote(remotePath))
	sizeSess, err := s.client.NewSession()
	if err != nil {
		return nil, brokererr.New(brokererr.KindTransferReadFailed, err.Error())
	}
	var sizeOut bytes.Buffer
	sizeSess.Stdout = &sizeOut
	if err := sizeSess.Run(cmd); err != nil {
		sizeSess.Close()
		return nil, brokererr.New(brokererr.KindTransferReadFailed, fmt.Sprintf("stat %s: %v", remotePath, err))
	}
	sizeSess.Close()

	sizeStr := strings.TrimSpace(sizeOut.String())
	if n, ok := parsePositiveInt(sizeStr); ok && n > maxBytes {
		return nil, brokererr.New(brokererr.KindTransferTooLarge, fmt.Sprintf("%s is %d bytes, exceeds %d byte cap", remotePath, n, maxBytes))
	}

	catCmd := fmt.Sprintf("cat %s", shellQuote(remotePath))
	if err := sess.Run(catCmd); err != nil {
		return nil, brokererr.New(brokererr.KindTransferReadFailed, err.Error())
	}

	if out.Len() > maxBytes {
		return nil, brokererr.New(brokererr.KindTransferTooLarge, fmt.Sprintf("%s exceeded %d byte cap while reading", remotePath, maxBytes))
	}

	s.touch()
	return out.Bytes(), nil
}

func parsePositiveInt(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// shellQuote wraps a path in single quotes for safe use inside a remote
// shell command line, escaping any embedded single quote.
func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
