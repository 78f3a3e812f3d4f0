package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEngine(t *testing.T, tier Tier) *Engine {
	t.Helper()
	e, err := NewEngine(tier, DefaultTables())
	require.NoError(t, err)
	return e
}

func TestTiersAreNested(t *testing.T) {
	tables := DefaultTables()
	for name := range tables.LowAllowed {
		_, ok := tables.MediumAllowed[name]
		assert.Truef(t, ok, "low_allowed %q missing from medium_allowed", name)
	}
	for name := range tables.MediumAllowed {
		_, ok := tables.HighAllowed[name]
		assert.Truef(t, ok, "medium_allowed %q missing from high_allowed", name)
	}
}

func TestHighAllowedDisjointFromAlwaysDenied(t *testing.T) {
	tables := DefaultTables()
	for name := range tables.AlwaysDenied {
		_, ok := tables.HighAllowed[name]
		assert.Falsef(t, ok, "%q present in both high_allowed and always_denied", name)
	}
}

func TestS1AllowRead(t *testing.T) {
	e := mustEngine(t, TierLow)
	result := e.Validate("ls -la /var/log")
	assert.True(t, result.Allowed)
	assert.Equal(t, RuleOK, result.MatchedRule)
}

func TestS2PatternDenyAtMedium(t *testing.T) {
	e := mustEngine(t, TierMedium)
	result := e.Validate("ls && rm -rf /tmp/x")
	assert.False(t, result.Allowed)
	assert.Equal(t, RulePatternForbid, result.MatchedRule)
}

func TestS3SudoTierGate(t *testing.T) {
	medium := mustEngine(t, TierMedium)
	result := medium.Validate("sudo systemctl status ssh")
	assert.False(t, result.Allowed)

	high := mustEngine(t, TierHigh)
	result = high.Validate("sudo systemctl status ssh")
	assert.True(t, result.Allowed)
}

func TestS6AlwaysDeniedAtHigh(t *testing.T) {
	e := mustEngine(t, TierHigh)
	result := e.Validate("rm -rf /")
	assert.False(t, result.Allowed)
	assert.Equal(t, RuleAlwaysDenied, result.MatchedRule)
}

func TestAlwaysForbiddenDeniedAtEveryTier(t *testing.T) {
	commands := []string{
		"rm -rf /",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sda1",
		"docker rm -f mycontainer",
		"zfs destroy tank/data",
	}
	for _, tier := range []Tier{TierLow, TierMedium, TierHigh} {
		e := mustEngine(t, tier)
		for _, cmd := range commands {
			result := e.Validate(cmd)
			assert.Falsef(t, result.Allowed, "%q should be denied at tier %s", cmd, tier)
		}
	}
}

func TestEmptyCommandDenied(t *testing.T) {
	e := mustEngine(t, TierHigh)
	result := e.Validate("   ")
	assert.False(t, result.Allowed)
	assert.Equal(t, RuleNameNotAllowed, result.MatchedRule)
}

func TestAbsolutePathHeadResolvesToBasename(t *testing.T) {
	e := mustEngine(t, TierLow)
	result := e.Validate("/bin/ls -la")
	assert.True(t, result.Allowed)
}

func TestNameNotAllowedAtLowTier(t *testing.T) {
	e := mustEngine(t, TierLow)
	result := e.Validate("docker ps")
	assert.False(t, result.Allowed)
	assert.Equal(t, RuleNameNotAllowed, result.MatchedRule)
}

func TestMediumAllowsPipeBetweenAllowedHeads(t *testing.T) {
	e := mustEngine(t, TierMedium)
	result := e.Validate("ps aux | grep sshd")
	assert.True(t, result.Allowed)
}

func TestMediumDeniesPipeWithDisallowedSegment(t *testing.T) {
	e := mustEngine(t, TierMedium)
	result := e.Validate("ps aux | rm -rf /tmp")
	assert.False(t, result.Allowed)
}

func TestMediumStillDeniesChaining(t *testing.T) {
	e := mustEngine(t, TierMedium)
	result := e.Validate("ls; rm -rf /tmp/x")
	assert.False(t, result.Allowed)
}

// TestExhaustiveTierMatrix is property 1: validate(cmd, T).allowed iff the
// head is in T.allowed, not in always_denied, and no forbidden pattern of T
// matches.
func TestExhaustiveTierMatrix(t *testing.T) {
	tables := DefaultTables()
	samples := []string{"ls -la", "docker ps", "sudo whoami", "reboot", "rm -rf /"}
	for _, tier := range []Tier{TierLow, TierMedium, TierHigh} {
		e := mustEngine(t, tier)
		for _, cmd := range samples {
			result := e.Validate(cmd)
			head, usesSudo := effectiveHead(cmd)
			head = basename(head)
			_, inAllowed := tables.AllowedFor(tier)[head]
			_, inDenied := tables.AlwaysDenied[head]

			if inDenied {
				assert.Falsef(t, result.Allowed, "%q at %s: always_denied head must be denied", cmd, tier)
				continue
			}
			if !inAllowed {
				assert.Falsef(t, result.Allowed, "%q at %s: head not allowed", cmd, tier)
				continue
			}
			if usesSudo && tier != TierHigh {
				assert.Falsef(t, result.Allowed, "%q at %s: sudo below HIGH must be denied", cmd, tier)
			}
		}
	}
}

func TestRiskAssessmentDoesNotAffectAllowDeny(t *testing.T) {
	e := mustEngine(t, TierHigh)
	result := e.Validate("sudo kill -9 1234")
	assert.True(t, result.Allowed)
	assert.Equal(t, RiskHigh, AssessRisk("sudo kill -9 1234"))
}
