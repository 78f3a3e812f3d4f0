// Package policy classifies a shell command string into allowed or denied
// under one of three process-wide permissibility tiers. Validate is a pure
// function of (command, tier, tables); the tables themselves are data
// (tables.go), not logic.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Tier is the active permissibility level. It is fixed for the lifetime of
// the process; nothing in this package mutates it.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

// ParseTier maps a config string to a Tier. Unknown values default to
// TierMedium, per the config contract.
func ParseTier(s string) Tier {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return TierLow
	case "HIGH":
		return TierHigh
	case "MEDIUM":
		return TierMedium
	default:
		return TierMedium
	}
}

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "LOW"
	case TierHigh:
		return "HIGH"
	default:
		return "MEDIUM"
	}
}

// MatchedRule names which step of Validate produced the decision.
type MatchedRule string

const (
	RuleOK             MatchedRule = "ok"
	RuleNameNotAllowed MatchedRule = "name-not-allowed"
	RulePatternForbid  MatchedRule = "pattern-forbidden"
	RuleAlwaysDenied   MatchedRule = "always-denied"
)

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Allowed     bool
	Reason      string
	MatchedRule MatchedRule
	UsesSudo    bool
}

func deny(rule MatchedRule, reason string, usesSudo bool) ValidationResult {
	return ValidationResult{Allowed: false, Reason: reason, MatchedRule: rule, UsesSudo: usesSudo}
}

// Engine evaluates commands against a fixed tier and table set. Construct
// with NewEngine; a malformed pattern in a custom Tables value fails there,
// not at Validate time, matching the startup-fatal error mode in the
// component contract.
type Engine struct {
	tier                 Tier
	tables               Tables
	alwaysForbidden      []*regexp.Regexp
	tierForbidden        map[Tier][]*regexp.Regexp
}

// NewEngine compiles tables's patterns once and binds the engine to tier.
func NewEngine(tier Tier, tables Tables) (*Engine, error) {
	e := &Engine{tier: tier, tables: tables, tierForbidden: make(map[Tier][]*regexp.Regexp)}

	for _, p := range tables.AlwaysForbiddenPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("policy: invalid always_forbidden_pattern %q: %w", p, err)
		}
		e.alwaysForbidden = append(e.alwaysForbidden, re)
	}
	for patternTier, patterns := range tables.TierForbiddenPatterns {
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("policy: invalid forbidden_pattern %q for tier %s: %w", p, patternTier, err)
			}
			e.tierForbidden[patternTier] = append(e.tierForbidden[patternTier], re)
		}
	}
	return e, nil
}

// Tier reports the tier this engine is bound to.
func (e *Engine) Tier() Tier { return e.tier }

// Tables reports the table set this engine is bound to, for introspection
// tools such as ssh_get_permissibility_info.
func (e *Engine) Tables() Tables { return e.tables }

// Validate runs the eight-step algorithm against the engine's bound tier.
func (e *Engine) Validate(command string) ValidationResult {
	trimmed := strings.TrimLeft(command, " \t\r\n")
	if trimmed == "" {
		return deny(RuleNameNotAllowed, "empty command", false)
	}

	head, usesSudo := effectiveHead(trimmed)
	if head == "" {
		return deny(RuleNameNotAllowed, "no command head found", usesSudo)
	}
	head = basename(head)

	if _, denied := e.tables.AlwaysDenied[head]; denied {
		return deny(RuleAlwaysDenied, fmt.Sprintf("%q is never permitted", head), usesSudo)
	}

	allowed := e.tables.AllowedFor(e.tier)
	if _, ok := allowed[head]; !ok {
		return deny(RuleNameNotAllowed, fmt.Sprintf("%q is not allowed at tier %s", head, e.tier), usesSudo)
	}

	if usesSudo && e.tier != TierHigh {
		return deny(RuleNameNotAllowed, "sudo not permitted at this tier", usesSudo)
	}

	for _, re := range e.alwaysForbidden {
		if re.MatchString(trimmed) {
			return deny(RuleAlwaysDenied, fmt.Sprintf("matches always-forbidden pattern %q", re.String()), usesSudo)
		}
	}

	if e.tier == TierMedium && strings.Contains(trimmed, "|") {
		if !e.pipeSegmentsAllowed(trimmed) {
			return deny(RulePatternForbid, "pipe segment head not allowed at this tier", usesSudo)
		}
	} else {
		for _, re := range e.tierForbidden[e.tier] {
			if re.MatchString(trimmed) {
				return deny(RulePatternForbid, fmt.Sprintf("matches forbidden pattern %q", re.String()), usesSudo)
			}
		}
	}

	return ValidationResult{Allowed: true, Reason: "", MatchedRule: RuleOK, UsesSudo: usesSudo}
}

// pipeSegmentsAllowed implements the MEDIUM-tier carve-out: "|" between
// allowed heads is permitted, but every other forbidden operator (;, &&,
// ||, >, <, backticks, $(), sudo) still denies, and every pipe segment's own
// head must itself be allowed at the tier.
func (e *Engine) pipeSegmentsAllowed(command string) bool {
	for _, re := range e.tierForbidden[TierMedium] {
		if re.String() == `(^|\s)sudo(\s|$)` && re.MatchString(command) {
			return false
		}
	}
	if strings.ContainsAny(command, ";`") || strings.Contains(command, "&&") ||
		strings.Contains(command, "||") || strings.Contains(command, ">") ||
		strings.Contains(command, "<") || strings.Contains(command, "$(") {
		return false
	}

	allowed := e.tables.AllowedFor(TierMedium)
	for _, segment := range strings.Split(command, "|") {
		seg := strings.TrimSpace(segment)
		if seg == "" {
			return false
		}
		head, usesSudo := effectiveHead(seg)
		if usesSudo {
			return false
		}
		head = basename(head)
		if _, ok := allowed[head]; !ok {
			return false
		}
	}
	return true
}

// basename strips a leading /bin/ or /usr/bin/ (or any directory) prefix so
// that an absolute-path invocation compares against the same table entry as
// the bare command name.
func basename(head string) string {
	if idx := strings.LastIndex(head, "/"); idx >= 0 {
		return head[idx+1:]
	}
	return head
}

// effectiveHead returns the first whitespace-delimited token, and if that
// token is "sudo", the first non-flag token following it (skipping any sudo
// flags that consume a value). usesSudo reports whether sudo prefixed the
// command at all, independent of whether an effective head was found.
func effectiveHead(command string) (head string, usesSudo bool) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", false
	}
	if fields[0] != "sudo" {
		return fields[0], false
	}
	usesSudo = true
	i := 1
	for i < len(fields) {
		tok := fields[i]
		if !strings.HasPrefix(tok, "-") {
			return tok, true
		}
		if sudoOptionNeedsValue(tok) && !strings.Contains(tok, "=") {
			i += 2
			continue
		}
		i++
	}
	return "", true
}

func sudoOptionNeedsValue(flag string) bool {
	switch flag {
	case "-u", "-g", "-h", "-p", "-C", "-T", "-r", "-D", "--user", "--group",
		"--host", "--prompt", "--chdir", "--close-from", "--command-timeout", "--role", "--type":
		return true
	default:
		return false
	}
}
