package sshsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSudoSecretPrefersExplicitParam(t *testing.T) {
	auth := AuthMaterial{SudoPassword: "sudo-pw", FallbackPassword: "fallback-pw"}
	assert.Equal(t, "param-pw", resolveSudoSecret("param-pw", auth))
}

func TestResolveSudoSecretFallsBackToSudoPassword(t *testing.T) {
	auth := AuthMaterial{SudoPassword: "sudo-pw", FallbackPassword: "fallback-pw"}
	assert.Equal(t, "sudo-pw", resolveSudoSecret("", auth))
}

func TestResolveSudoSecretFallsBackToFallbackPassword(t *testing.T) {
	auth := AuthMaterial{FallbackPassword: "fallback-pw"}
	assert.Equal(t, "fallback-pw", resolveSudoSecret("", auth))
}

func TestResolveSudoSecretEmptyWhenNothingConfigured(t *testing.T) {
	assert.Equal(t, "", resolveSudoSecret("", AuthMaterial{}))
}

func TestRandomSentinelIsUniqueAndPrefixed(t *testing.T) {
	a := randomSentinel()
	b := randomSentinel()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "SSHBROKER_")
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s a test'`, shellQuote("it's a test"))
	assert.Equal(t, "'/var/log/app.log'", shellQuote("/var/log/app.log"))
}

func TestParsePositiveInt(t *testing.T) {
	n, ok := parsePositiveInt("1024")
	require.True(t, ok)
	assert.Equal(t, 1024, n)

	_, ok = parsePositiveInt("")
	assert.False(t, ok)

	_, ok = parsePositiveInt("12a")
	assert.False(t, ok)
}

func TestAllowedPrefixesResolvesHomeKeyword(t *testing.T) {
	allowed := AllowedPrefixes{Prefixes: []string{"home", "/var/log"}, Home: "/home/alice"}
	assert.True(t, allowed.resolve("/home/alice/notes.txt"))
	assert.True(t, allowed.resolve("/var/log/syslog"))
	assert.False(t, allowed.resolve("/etc/passwd"))
}

func TestCheckTransferPathRejectsOutsidePrefix(t *testing.T) {
	allowed := AllowedPrefixes{Prefixes: []string{"/tmp"}}
	err := checkTransferPath("/etc/hosts", allowed)
	require.Error(t, err)
}

func TestCheckTransferPathRejectsSensitivePathEvenInsidePrefix(t *testing.T) {
	allowed := AllowedPrefixes{Prefixes: []string{"home"}, Home: "/home/alice"}
	err := checkTransferPath("/home/alice/.ssh/id_ed25519", allowed)
	require.Error(t, err)
}

func TestCheckTransferPathAllowsOrdinaryFileUnderPrefix(t *testing.T) {
	allowed := AllowedPrefixes{Prefixes: []string{"/tmp"}}
	err := checkTransferPath("/tmp/upload.bin", allowed)
	assert.NoError(t, err)
}

func TestInFlightGuardSerialisesAcquisition(t *testing.T) {
	var g inFlightGuard
	require.True(t, g.tryAcquire())
	assert.False(t, g.tryAcquire())
	g.release()
	assert.True(t, g.tryAcquire())
}
