package dispatcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsloop/sshbroker/internal/brokererr"
	"github.com/opsloop/sshbroker/internal/config"
	"github.com/opsloop/sshbroker/internal/hostkeys"
	"github.com/opsloop/sshbroker/internal/interposer"
	"github.com/opsloop/sshbroker/internal/metrics"
	"github.com/opsloop/sshbroker/internal/policy"
	"github.com/opsloop/sshbroker/internal/protocol"
	"github.com/opsloop/sshbroker/internal/redact"
	"github.com/opsloop/sshbroker/internal/registry"
	"github.com/opsloop/sshbroker/internal/sshsession"
)

// Broker owns every piece of shared state the ssh_* tool handlers need:
// the session table, the pending-password table, host key verification,
// the policy engine, and the current config snapshot. One Broker backs
// one running sshbroker process.
type Broker struct {
	Sessions *registry.Registry
	Pending  *interposer.PendingTable
	HostKeys *hostkeys.Manager
	Policy   *policy.Engine
	Metrics  *metrics.SessionMetrics
	Config   func() *config.Config

	startedAt      time.Time
	commandsTotal  atomic.Int64
	commandsDenied atomic.Int64
}

// NewBroker constructs a Broker. startedAt is passed in (rather than
// computed with time.Now internally) only to keep construction testable
// with a fixed clock; production callers pass the real process start time.
func NewBroker(sessions *registry.Registry, pending *interposer.PendingTable, hk *hostkeys.Manager, eng *policy.Engine, m *metrics.SessionMetrics, cfg func() *config.Config, startedAt time.Time) *Broker {
	return &Broker{Sessions: sessions, Pending: pending, HostKeys: hk, Policy: eng, Metrics: m, Config: cfg, startedAt: startedAt}
}

func getString(args map[string]interface{}, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getInt(args map[string]interface{}, key string, def int) int {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

func errEnvelope(kind brokererr.Kind, details string) map[string]interface{} {
	return map[string]interface{}{"success": false, "error": string(kind), "details": details}
}

func asBrokerErr(err error) (brokererr.Kind, string) {
	if be, ok := brokererr.As(err); ok {
		return be.Kind, be.Message
	}
	return "Internal", err.Error()
}

// RegisterSSHTools wires every ssh_* tool from the canonical table into
// reg, bound to b.
func RegisterSSHTools(reg *ToolRegistry, b *Broker) {
	reg.Register(RegisteredTool{
		Definition: protocol.Tool{
			Name:        "ssh_connect",
			Description: "Open a new SSH session to a host and start its interactive shell.",
			InputSchema: protocol.InputSchema{
				Type: "object",
				Properties: map[string]protocol.PropertySchema{
					"host":       {Type: "string", Description: "Target hostname or IP."},
					"username":   {Type: "string", Description: "Remote username."},
					"port":       {Type: "integer", Description: "SSH port.", Default: 22},
					"key_path":   {Type: "string", Description: "Path to a private key, if not using password auth."},
					"password":   {Type: "string", Description: "SSH password, if not using key auth."},
					"session_id": {Type: "string", Description: "Optional caller-proposed session id."},
				},
				Required: []string{"host", "username"},
			},
		},
		Handler: b.sshConnect,
	})

	reg.Register(RegisteredTool{
		Definition: protocol.Tool{
			Name:        "ssh_run",
			Description: "Run a command on an existing session's persistent shell.",
			InputSchema: protocol.InputSchema{
				Type: "object",
				Properties: map[string]protocol.PropertySchema{
					"session_id":    {Type: "string"},
					"cmd":           {Type: "string"},
					"timeout_ms":    {Type: "integer", Default: 30000},
					"sudo_password": {Type: "string"},
				},
				Required: []string{"session_id", "cmd"},
			},
		},
		Handler: b.sshRun,
	})

	reg.Register(RegisteredTool{
		Definition: protocol.Tool{
			Name:        "ssh_upload",
			Description: "Write bytes to a path on the remote host, subject to the allowed transfer prefixes.",
			InputSchema: protocol.InputSchema{
				Type: "object",
				Properties: map[string]protocol.PropertySchema{
					"session_id":   {Type: "string"},
					"path":         {Type: "string"},
					"bytes_base64": {Type: "string"},
				},
				Required: []string{"session_id", "path", "bytes_base64"},
			},
		},
		Handler: b.sshUpload,
	})

	reg.Register(RegisteredTool{
		Definition: protocol.Tool{
			Name:        "ssh_download",
			Description: "Read a remote file back, capped at max_bytes.",
			InputSchema: protocol.InputSchema{
				Type: "object",
				Properties: map[string]protocol.PropertySchema{
					"session_id": {Type: "string"},
					"path":       {Type: "string"},
					"max_bytes":  {Type: "integer", Default: 65536},
				},
				Required: []string{"session_id", "path"},
			},
		},
		Handler: b.sshDownload,
	})

	reg.Register(RegisteredTool{
		Definition: protocol.Tool{
			Name:        "ssh_list_sessions",
			Description: "List every live session.",
			InputSchema: protocol.InputSchema{Type: "object", Properties: map[string]protocol.PropertySchema{}},
		},
		Handler: b.sshListSessions,
	})

	reg.Register(RegisteredTool{
		Definition: protocol.Tool{
			Name:        "ssh_disconnect",
			Description: "Close a session and its transport.",
			InputSchema: protocol.InputSchema{
				Type:       "object",
				Properties: map[string]protocol.PropertySchema{"session_id": {Type: "string"}},
				Required:   []string{"session_id"},
			},
		},
		Handler: b.sshDisconnect,
	})

	reg.Register(RegisteredTool{
		Definition: protocol.Tool{
			Name:        "ssh_get_permissibility_info",
			Description: "Report the active permissibility tier and policy table sizes.",
			InputSchema: protocol.InputSchema{Type: "object", Properties: map[string]protocol.PropertySchema{}},
		},
		Handler: b.sshGetPermissibilityInfo,
	})

	reg.Register(RegisteredTool{
		Definition: protocol.Tool{
			Name:        "ssh_list_password_requests",
			Description: "List pending, unanswered password prompts.",
			InputSchema: protocol.InputSchema{Type: "object", Properties: map[string]protocol.PropertySchema{}},
		},
		Handler: b.sshListPasswordRequests,
	})

	reg.Register(RegisteredTool{
		Definition: protocol.Tool{
			Name:        "ssh_provide_password",
			Description: "Resolve a pending password prompt.",
			InputSchema: protocol.InputSchema{
				Type: "object",
				Properties: map[string]protocol.PropertySchema{
					"request_id": {Type: "string"},
					"password":   {Type: "string"},
				},
				Required: []string{"request_id", "password"},
			},
		},
		Handler: b.sshProvidePassword,
	})

	reg.Register(RegisteredTool{
		Definition: protocol.Tool{
			Name:        "ssh_cancel_password_request",
			Description: "Cancel a pending password prompt without answering it.",
			InputSchema: protocol.InputSchema{
				Type:       "object",
				Properties: map[string]protocol.PropertySchema{"request_id": {Type: "string"}},
				Required:   []string{"request_id"},
			},
		},
		Handler: b.sshCancelPasswordRequest,
	})

	reg.Register(RegisteredTool{
		Definition: protocol.Tool{
			Name:        "ssh_health",
			Description: "Report process uptime and aggregate session/command counters.",
			InputSchema: protocol.InputSchema{Type: "object", Properties: map[string]protocol.PropertySchema{}},
		},
		Handler: b.sshHealth,
	})
}

func (b *Broker) sshConnect(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
	cfg := b.Config()

	host := getString(args, "host")
	if host == "" {
		host = cfg.Host
	}
	username := getString(args, "username")
	if username == "" {
		username = cfg.Username
	}
	port := getInt(args, "port", cfg.Port)

	auth := sshsession.AuthMaterial{
		KeyPath:            getString(args, "key_path"),
		SSHPassword:        getString(args, "password"),
		SudoPassword:       cfg.SudoPassword,
		FallbackPassword:   cfg.FallbackPassword,
		InteractiveEnabled: cfg.InteractiveEnabled,
	}
	if auth.KeyPath == "" {
		auth.KeyPath = cfg.KeyPath
	}
	if auth.SSHPassword == "" {
		auth.SSHPassword = cfg.SSHPassword
	}

	limits := sshsession.Limits{
		MaxOutputBytes:   cfg.MaxOutputBytes,
		MaxOutputLines:   cfg.MaxOutputLines,
		CommandTimeout:   cfg.CommandTimeout,
		ConnectTimeout:   cfg.ConnectTimeout,
		KeepAlive:        cfg.KeepAlive,
		PendingPromptTTL: cfg.PendingPromptTTL,
		PromptWindow:     cfg.PromptWindow,
	}

	var hostKeyCB ssh.HostKeyCallback = b.HostKeys.Verify

	sess, err := sshsession.Dial("", host, port, username, auth, limits, hostKeyCB, b.Policy, b.Pending)
	if err != nil {
		kind, details := asBrokerErr(err)
		return protocol.NewJSONResult(errEnvelope(kind, details)), nil
	}

	id, err := b.Sessions.AllocateWithSuggestedID(sess, getString(args, "session_id"))
	if err != nil {
		sess.Disconnect()
		kind, details := asBrokerErr(err)
		return protocol.NewJSONResult(errEnvelope(kind, details)), nil
	}

	return protocol.NewJSONResult(map[string]interface{}{
		"success":    true,
		"session_id": id,
		"message":    fmt.Sprintf("connected to %s@%s:%d", username, host, port),
	}), nil
}

func (b *Broker) sshRun(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
	id := getString(args, "session_id")
	sess, err := b.Sessions.Get(id)
	if err != nil {
		kind, details := asBrokerErr(err)
		return protocol.NewJSONResult(errEnvelope(kind, details)), nil
	}

	cmd := getString(args, "cmd")
	timeoutMS := int64(getInt(args, "timeout_ms", 30000))
	sudoPassword := getString(args, "sudo_password")
	cfg := b.Config()
	scrub := redact.NewScrubber(cfg.SSHPassword, cfg.SudoPassword, cfg.FallbackPassword, sudoPassword)

	outcome, err := sess.Run(cmd, timeoutMS, sudoPassword)
	if b.Metrics != nil {
		b.commandsTotal.Add(1)
		decision := "allow"
		if outcome.DeniedReason != "" {
			decision = "deny"
			b.commandsDenied.Add(1)
		} else if outcome.Timeout {
			decision = "timeout"
		} else if outcome.Truncated {
			decision = "truncated"
		}
		b.Metrics.CommandsTotal.WithLabelValues(decision).Inc()
		b.Metrics.CommandDuration.Observe(float64(outcome.DurationMS) / 1000.0)
	}
	if err != nil {
		kind, details := asBrokerErr(err)
		return protocol.NewJSONResult(errEnvelope(kind, scrub.Redact(details))), nil
	}

	result := map[string]interface{}{
		"success":    outcome.DeniedReason == "",
		"session_id": id,
		"stdout":     scrub.Redact(string(outcome.Stdout)),
		"stderr":     scrub.Redact(string(outcome.Stderr)),
		"exit_status": func() interface{} {
			if outcome.ExitStatus == nil {
				return nil
			}
			return *outcome.ExitStatus
		}(),
		"duration_ms": outcome.DurationMS,
	}
	if outcome.Truncated {
		result["truncated"] = true
	}
	if outcome.Timeout {
		result["timeout"] = true
	}
	if outcome.DeniedReason != "" {
		result["denied_reason"] = outcome.DeniedReason
	}
	return protocol.NewJSONResult(result), nil
}

func (b *Broker) allowedPrefixes(cfg *config.Config, sess *sshsession.Session) sshsession.AllowedPrefixes {
	return sshsession.AllowedPrefixes{Prefixes: cfg.AllowedTransferPrefixes, Home: "/home/" + sess.Username}
}

func (b *Broker) sshUpload(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
	id := getString(args, "session_id")
	sess, err := b.Sessions.Get(id)
	if err != nil {
		kind, details := asBrokerErr(err)
		return protocol.NewJSONResult(errEnvelope(kind, details)), nil
	}

	path := getString(args, "path")
	data, decErr := base64.StdEncoding.DecodeString(getString(args, "bytes_base64"))
	if decErr != nil {
		return protocol.NewJSONResult(errEnvelope(brokererr.KindTransferWriteFailed, "bytes_base64 is not valid base64")), nil
	}

	cfg := b.Config()
	if err := sess.Upload(path, data, b.allowedPrefixes(cfg, sess)); err != nil {
		kind, details := asBrokerErr(err)
		return protocol.NewJSONResult(errEnvelope(kind, details)), nil
	}
	return protocol.NewJSONResult(map[string]interface{}{"success": true, "bytes_written": len(data)}), nil
}

func (b *Broker) sshDownload(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
	id := getString(args, "session_id")
	sess, err := b.Sessions.Get(id)
	if err != nil {
		kind, details := asBrokerErr(err)
		return protocol.NewJSONResult(errEnvelope(kind, details)), nil
	}

	path := getString(args, "path")
	maxBytes := getInt(args, "max_bytes", 65536)

	cfg := b.Config()
	data, err := sess.Download(path, maxBytes, b.allowedPrefixes(cfg, sess))
	if err != nil {
		kind, details := asBrokerErr(err)
		return protocol.NewJSONResult(errEnvelope(kind, details)), nil
	}
	return protocol.NewJSONResult(map[string]interface{}{
		"success":      true,
		"bytes_base64": base64.StdEncoding.EncodeToString(data),
		"truncated":    false,
	}), nil
}

func (b *Broker) sshListSessions(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
	listing := b.Sessions.List()
	sessions := make([]map[string]interface{}, 0, len(listing))
	for _, l := range listing {
		sessions = append(sessions, map[string]interface{}{
			"id":       l.ID,
			"host":     l.Host,
			"user":     l.Username,
			"idle_for": l.IdleFor.Seconds(),
		})
	}
	return protocol.NewJSONResult(map[string]interface{}{"sessions": sessions}), nil
}

func (b *Broker) sshDisconnect(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
	id := getString(args, "session_id")
	b.Sessions.Disconnect(id)
	return protocol.NewJSONResult(map[string]interface{}{"success": true, "message": "disconnected " + id}), nil
}

func (b *Broker) sshGetPermissibilityInfo(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
	tier := b.Policy.Tier()
	tables := b.Policy.Tables()
	patternsActive := len(tables.AlwaysForbiddenPatterns) + len(tables.TierForbiddenPatterns[tier])
	return protocol.NewJSONResult(map[string]interface{}{
		"level":               tier.String(),
		"allowed_count":       len(tables.AllowedFor(tier)),
		"always_denied_count": len(tables.AlwaysDenied),
		"patterns_active":     patternsActive,
	}), nil
}

func (b *Broker) sshListPasswordRequests(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
	pending := b.Pending.List()
	requests := make([]map[string]interface{}, 0, len(pending))
	for _, r := range pending {
		requests = append(requests, map[string]interface{}{
			"request_id":  r.RequestID,
			"session_id":  r.SessionID,
			"prompt_text": r.PromptText,
			"prompt_kind": string(r.PromptKind),
			"created_at":  r.CreatedAt,
			"deadline_at": r.DeadlineAt,
		})
	}
	return protocol.NewJSONResult(map[string]interface{}{"requests": requests, "count": len(requests)}), nil
}

func (b *Broker) sshProvidePassword(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
	requestID := getString(args, "request_id")
	password := getString(args, "password")
	if !b.Pending.Provide(requestID, password) {
		return protocol.NewJSONResult(errEnvelope(brokererr.KindNotFound, "unknown or expired request_id")), nil
	}
	return protocol.NewJSONResult(map[string]interface{}{"success": true, "message": "password provided"}), nil
}

func (b *Broker) sshCancelPasswordRequest(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
	requestID := getString(args, "request_id")
	if !b.Pending.Cancel(requestID) {
		return protocol.NewJSONResult(errEnvelope(brokererr.KindNotFound, "unknown or expired request_id")), nil
	}
	return protocol.NewJSONResult(map[string]interface{}{"success": true, "message": "request cancelled"}), nil
}

func (b *Broker) sshHealth(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error) {
	return protocol.NewJSONResult(map[string]interface{}{
		"uptime_s":               time.Since(b.startedAt).Seconds(),
		"sessions_active":        b.Sessions.Count(),
		"sessions_evicted_total": b.Sessions.EvictedTotal(),
		"commands_total":         b.commandsTotal.Load(),
		"commands_denied_total":  b.commandsDenied.Load(),
	}), nil
}
