package redact

import "strings"

// Scrubber replaces configured secret values and secret-shaped text in any
// string about to cross a tool or log boundary. Exact-substring matching
// against known secrets catches verbatim leaks (a command that echoes its
// own sudo password); RedactSensitiveText's pattern matching catches
// secret-shaped text the caller never told us about (a stray private key,
// an AWS access key pasted into a log line).
type Scrubber struct {
	secrets []string
}

// NewScrubber builds a Scrubber over the given secret values. Empty strings
// are ignored so an unset secret never turns into a catastrophic
// replace-everything match.
func NewScrubber(secrets ...string) *Scrubber {
	s := &Scrubber{}
	for _, v := range secrets {
		if v != "" {
			s.secrets = append(s.secrets, v)
		}
	}
	return s
}

// Redact returns text with every configured secret value replaced by
// [REDACTED], followed by a pass of RedactSensitiveText for secret-shaped
// content the Scrubber wasn't told about explicitly.
func (s *Scrubber) Redact(text string) string {
	out := text
	for _, secret := range s.secrets {
		out = strings.ReplaceAll(out, secret, "[REDACTED]")
	}
	out, _ = RedactSensitiveText(out)
	return out
}

// ContainsSecret reports whether text contains a byte-for-byte match of any
// configured secret. The package tests use it to check that Redact output
// no longer contains a configured secret verbatim.
func (s *Scrubber) ContainsSecret(text string) bool {
	for _, secret := range s.secrets {
		if secret != "" && strings.Contains(text, secret) {
			return true
		}
	}
	return false
}
