package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrubberRedactsConfiguredSecret(t *testing.T) {
	s := NewScrubber("hunter2", "")
	out := s.Redact("sudo password accepted: hunter2\n")
	assert.NotContains(t, out, "hunter2")
	assert.False(t, s.ContainsSecret(out))
}

func TestScrubberIgnoresEmptySecrets(t *testing.T) {
	s := NewScrubber("", "")
	out := s.Redact("plain output")
	assert.Equal(t, "plain output", out)
}

func TestScrubberCatchesPatternBasedSecrets(t *testing.T) {
	s := NewScrubber()
	out := s.Redact("api_key: sk-abcdef1234567890\n")
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "sk-abcdef1234567890")
}

func TestIsSensitivePathFlagsSSHKeys(t *testing.T) {
	ok, reason := IsSensitivePath("/home/user/.ssh/id_rsa")
	assert.True(t, ok)
	assert.NotEmpty(t, reason)
}

func TestIsSensitivePathAllowsOrdinaryFile(t *testing.T) {
	ok, _ := IsSensitivePath("/var/log/syslog")
	assert.False(t, ok)
}
