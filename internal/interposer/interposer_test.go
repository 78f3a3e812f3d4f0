package interposer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchSudoPasswordPrompt(t *testing.T) {
	p, ok := Match("[sudo] password for alice: ", false)
	require.True(t, ok)
	assert.Equal(t, KindSudo, p.Kind)
}

func TestMatchGenericPasswordWithSudoContext(t *testing.T) {
	p, ok := Match("Password: ", true)
	require.True(t, ok)
	assert.Equal(t, KindSudo, p.Kind)
}

func TestMatchGenericPasswordWithoutContext(t *testing.T) {
	p, ok := Match("Password: ", false)
	require.True(t, ok)
	assert.Equal(t, KindGeneric, p.Kind)
}

func TestMatchSSHPasswordPrompt(t *testing.T) {
	p, ok := Match("alice@example.com's password: ", false)
	require.True(t, ok)
	assert.Equal(t, KindSSH, p.Kind)
}

func TestMatchHostKeyPrompt(t *testing.T) {
	p, ok := Match("The authenticity of host 'example.com (1.2.3.4)' can't be established. Are you sure you want to continue connecting?", false)
	require.True(t, ok)
	assert.True(t, p.IsHostKeyAsk)
}

func TestMatchNonInteractiveSudoFailureIsSurfacedNotInjected(t *testing.T) {
	p, ok := Match("sudo: a terminal is required to read the password", false)
	require.True(t, ok)
	_, resolved := Resolve(p, "secret", "", "")
	assert.False(t, resolved)
}

func TestResolveFallsBackToGenericFallbackSecret(t *testing.T) {
	p := Prompt{Kind: KindSudo}
	secret, ok := Resolve(p, "", "", "fallback-secret")
	require.True(t, ok)
	assert.Equal(t, "fallback-secret", secret)
}

func TestResolveFailsWhenNoSecretAvailable(t *testing.T) {
	p := Prompt{Kind: KindSudo}
	_, ok := Resolve(p, "", "", "")
	assert.False(t, ok)
}

func TestPendingTableProvideResolvesWait(t *testing.T) {
	table := NewPendingTable(time.Second)
	req := table.Register("sess-1", "[sudo] password for alice: ", KindSudo)

	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.True(t, table.Provide(req.RequestID, "correct-horse"))
	}()

	pw, ok := req.Wait()
	require.True(t, ok)
	assert.Equal(t, "correct-horse", pw)
}

func TestPendingTableExpiresAfterTTL(t *testing.T) {
	table := NewPendingTable(20 * time.Millisecond)
	req := table.Register("sess-1", "Password: ", KindGeneric)

	_, ok := req.Wait()
	assert.False(t, ok)
	assert.False(t, table.Provide(req.RequestID, "too-late"))
}

func TestPendingTableCancel(t *testing.T) {
	table := NewPendingTable(time.Second)
	req := table.Register("sess-1", "Password: ", KindGeneric)
	assert.True(t, table.Cancel(req.RequestID))

	_, ok := req.Wait()
	assert.False(t, ok)
}

func TestPendingTableSweepRemovesExpired(t *testing.T) {
	table := NewPendingTable(10 * time.Millisecond)
	table.Register("sess-1", "Password: ", KindGeneric)
	time.Sleep(20 * time.Millisecond)
	table.Sweep()
	assert.Empty(t, table.List())
}
