package sshsession

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsloop/sshbroker/internal/brokererr"
	"github.com/opsloop/sshbroker/internal/interposer"
	"github.com/opsloop/sshbroker/internal/policy"
)

// Evaluator is the subset of *policy.Engine the session needs. Defined as
// an interface so tests can substitute a fixed decision without building a
// full Engine.
type Evaluator interface {
	Validate(command string) policy.ValidationResult
}

// Session owns one persistent interactive shell over one SSH transport.
type Session struct {
	ID       string
	Host     string
	Port     int
	Username string

	CreatedAt time.Time

	mu         sync.Mutex
	lastUsedAt time.Time
	state      State
	cwd        string

	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr io.Reader

	auth    AuthMaterial
	limits  Limits
	policy  Evaluator
	pending *interposer.PendingTable

	guard inFlightGuard
}

// Dial opens the transport, authenticates via the key/password/
// keyboard-interactive cascade, and starts one persistent interactive
// shell. On success the caller (the session registry) is responsible for
// making the session discoverable.
func Dial(id, host string, port int, username string, auth AuthMaterial, limits Limits, hostKeyCB ssh.HostKeyCallback, eval Evaluator, pending *interposer.PendingTable) (*Session, error) {
	cfg := &ssh.ClientConfig{
		User:            username,
		Timeout:         limits.ConnectTimeout,
		HostKeyCallback: hostKeyCB,
	}

	if auth.KeyPath != "" {
		signer, err := loadSigner(auth.KeyPath)
		if err != nil {
			return nil, brokererr.New(brokererr.KindAuthFailed, fmt.Sprintf("loading key %s: %v", auth.KeyPath, err))
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if auth.SSHPassword != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(auth.SSHPassword))
		cfg.Auth = append(cfg.Auth, ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = auth.SSHPassword
			}
			return answers, nil
		}))
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, classifyDialErr(err)
	}

	s := &Session{
		ID:         id,
		Host:       host,
		Port:       port,
		Username:   username,
		CreatedAt:  time.Now(),
		lastUsedAt: time.Now(),
		state:      StateNew,
		client:     client,
		auth:       auth,
		limits:     limits,
		policy:     eval,
		pending:    pending,
	}

	if err := s.openShell(); err != nil {
		client.Close()
		return nil, err
	}
	s.state = StateIdle
	return s, nil
}

func (s *Session) openShell() error {
	sess, err := s.client.NewSession()
	if err != nil {
		return brokererr.New(brokererr.KindNetworkUnreachable, err.Error())
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return brokererr.New(brokererr.KindNetworkUnreachable, err.Error())
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return brokererr.New(brokererr.KindNetworkUnreachable, err.Error())
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return brokererr.New(brokererr.KindNetworkUnreachable, err.Error())
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return brokererr.New(brokererr.KindNetworkUnreachable, err.Error())
	}

	s.sess = sess
	s.stdin = stdin
	s.stdout = bufio.NewReader(stdout)
	s.stderr = stderr
	return nil
}

// resetChannel closes the current interactive shell and opens a fresh one
// on the same transport, per the "kill-channel-and-reset" cap response.
// The session itself transitions to StateBroken only if the reset fails.
func (s *Session) resetChannel() error {
	if s.sess != nil {
		s.sess.Close()
	}
	if err := s.openShell(); err != nil {
		s.mu.Lock()
		s.state = StateBroken
		s.mu.Unlock()
		return err
	}
	return nil
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the read-only snapshot used by ssh_list_sessions.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID: s.ID, Host: s.Host, Port: s.Port, Username: s.Username,
		CreatedAt: s.CreatedAt, LastUsedAt: s.lastUsedAt,
		IdleFor: time.Since(s.lastUsedAt), State: s.state,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
}

// IdleFor reports how long the session has been idle, for the registry's
// eviction tick.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsedAt)
}

// Disconnect closes the shell and the transport. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	if s.sess != nil {
		s.sess.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
}

func resolveSudoSecret(param string, auth AuthMaterial) string {
	if param != "" {
		return param
	}
	if auth.SudoPassword != "" {
		return auth.SudoPassword
	}
	return auth.FallbackPassword
}

func randomSentinel() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "SSHBROKER_" + hex.EncodeToString(b)
}

var rcPrefix = "__RC_"
var rcSuffix = "__"

// Run executes cmd under the policy engine, then over the persistent
// shell, recovering its exit status via a sentinel/trailer pair and
// applying the interposer to each output line.
func (s *Session) Run(cmd string, timeoutMS int64, sudoPasswordParam string) (ExecutionOutcome, error) {
	if !s.guard.tryAcquire() {
		return ExecutionOutcome{}, brokererr.New(brokererr.KindBusySession, "a command is already running on this session")
	}
	defer s.guard.release()

	if s.State() == StateBroken || s.State() == StateClosed {
		return ExecutionOutcome{}, brokererr.New(brokererr.KindSessionBroken, "session is not usable")
	}

	s.mu.Lock()
	s.state = StateBusy
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.state == StateBusy {
			s.state = StateIdle
		}
		s.mu.Unlock()
	}()

	result := s.policy.Validate(cmd)
	if !result.Allowed {
		return ExecutionOutcome{ExitStatus: nil, DeniedReason: result.Reason}, nil
	}

	s.touch()
	start := time.Now()
	if timeoutMS <= 0 {
		timeoutMS = int64(s.limits.CommandTimeout / time.Millisecond)
	}
	deadline := start.Add(time.Duration(timeoutMS) * time.Millisecond)

	sudoSecret := resolveSudoSecret(sudoPasswordParam, s.auth)
	sentinel := randomSentinel()
	cmdIsSudo := strings.HasPrefix(strings.TrimSpace(cmd), "sudo")

	line := fmt.Sprintf("%s; echo \"%s$?%s\"; echo \"%s\"\n", cmd, rcPrefix, rcSuffix, sentinel)
	if _, err := io.WriteString(s.stdin, line); err != nil {
		_ = s.resetChannel()
		return ExecutionOutcome{}, brokererr.New(brokererr.KindSessionBroken, err.Error())
	}

	outcome, resetNeeded := s.readUntilSentinel(sentinel, cmdIsSudo, sudoSecret, deadline)
	outcome.DurationMS = time.Since(start).Milliseconds()
	if resetNeeded {
		if err := s.resetChannel(); err != nil {
			return outcome, brokererr.New(brokererr.KindSessionBroken, err.Error())
		}
	}
	return outcome, nil
}

// lineMsg is one line (or terminal error) read from the shell's stdout.
type lineMsg struct {
	line string
	err  error
}

type readOutcome struct {
	stdout     bytes.Buffer
	stderrMu   sync.Mutex
	stderr     bytes.Buffer
	exitStatus *int
	truncated  bool
}

func (ro *readOutcome) stderrLen() int {
	ro.stderrMu.Lock()
	defer ro.stderrMu.Unlock()
	return ro.stderr.Len()
}

func (ro *readOutcome) stderrBytes() []byte {
	ro.stderrMu.Lock()
	defer ro.stderrMu.Unlock()
	return append([]byte(nil), ro.stderr.Bytes()...)
}

// readUntilSentinel implements the capped read loop: it reads lines from
// the shell's stdout, feeds each to the interposer, recovers the exit
// status trailer, and stops at the first of: sentinel observed, byte cap,
// line cap, or wall-clock deadline. resetNeeded is true on every return
// except the sentinel one (wall-clock timeout, byte or line cap, a broken
// channel, or an unresolved password prompt), and the caller then tears the
// shell channel down and reopens it before the next call.
func (s *Session) readUntilSentinel(sentinel string, cmdIsSudo bool, sudoSecret string, deadline time.Time) (ExecutionOutcome, bool) {
	lines := make(chan lineMsg, 16)
	go func() {
		for {
			l, err := s.stdout.ReadString('\n')
			lines <- lineMsg{l, err}
			if err != nil {
				return
			}
		}
	}()

	stderrDone := make(chan struct{})
	var ro readOutcome
	go func() {
		defer close(stderrDone)
		buf := make([]byte, 4096)
		for {
			n, err := s.stderr.Read(buf)
			if n > 0 {
				ro.stderrMu.Lock()
				ro.stderr.Write(buf[:n])
				ro.stderrMu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	lineCount := 0
	watchdogFired := false
	anyOutput := false
	var watchdog <-chan time.Time
	if cmdIsSudo && sudoSecret != "" {
		watchdog = time.After(2 * time.Second)
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return s.finishTimeout(&ro), true
		}
		var timeoutC <-chan time.Time = time.After(remaining)

		select {
		case <-timeoutC:
			return s.finishTimeout(&ro), true

		case <-watchdog:
			if !watchdogFired && !anyOutput {
				watchdogFired = true
				_, _ = io.WriteString(s.stdin, sudoSecret+"\n")
			}
			watchdog = nil

		case msg := <-lines:
			if msg.err != nil {
				return s.finishBroken(&ro, msg.err), true
			}
			anyOutput = true
			raw := strings.TrimRight(msg.line, "\r\n")

			if raw == sentinel {
				out := ro.stdout.Bytes()
				return ExecutionOutcome{
					Stdout:     append([]byte(nil), out...),
					Stderr:     s.drainStderr(&ro, stderrDone),
					ExitStatus: ro.exitStatus,
					Truncated:  ro.truncated,
					Timeout:    false,
				}, false
			}

			if strings.HasPrefix(raw, rcPrefix) && strings.HasSuffix(raw, rcSuffix) {
				codeStr := strings.TrimSuffix(strings.TrimPrefix(raw, rcPrefix), rcSuffix)
				if code, err := strconv.Atoi(codeStr); err == nil {
					ro.exitStatus = &code
				}
				continue
			}

			if prompt, ok := interposer.Match(raw, cmdIsSudo); ok {
				if prompt.IsHostKeyAsk {
					// Host key prompts inside an already-established
					// session are unexpected (host key is verified at
					// connect time); surface and stop.
					return s.finishBroken(&ro, fmt.Errorf("unexpected host key prompt mid-session")), true
				}
				secret, resolved := interposer.Resolve(prompt, sudoSecret, s.auth.SSHPassword, s.auth.FallbackPassword)
				if resolved {
					_, _ = io.WriteString(s.stdin, secret+"\n")
					continue
				}
				if s.auth.InteractiveEnabled && s.pending != nil {
					req := s.pending.Register(s.ID, raw, prompt.Kind)
					waitDeadline := deadline
					if req.DeadlineAt.Before(waitDeadline) {
						waitDeadline = req.DeadlineAt
					}
					pw, ok := waitForPassword(req, waitDeadline)
					if ok {
						_, _ = io.WriteString(s.stdin, pw+"\n")
						continue
					}
					out := ExecutionOutcome{DeniedReason: "password_required"}
					return out, true
				}
				// Non-interactive and unresolved: surface as denied, reset
				// the channel since the remote is still blocked on input.
				return ExecutionOutcome{DeniedReason: "password_required"}, true
			}

			ro.stdout.WriteString(raw)
			ro.stdout.WriteByte('\n')
			lineCount++

			if ro.stdout.Len()+ro.stderrLen() >= s.limits.MaxOutputBytes {
				ro.truncated = true
				return s.drainDiscard(sentinel, &ro, lines), true
			}
			if s.limits.MaxOutputLines > 0 && lineCount >= s.limits.MaxOutputLines {
				ro.truncated = true
				return s.drainDiscard(sentinel, &ro, lines), true
			}
		}
	}
}

func waitForPassword(req *interposer.PromptRequest, deadline time.Time) (string, bool) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return "", false
	}
	type result struct {
		pw string
		ok bool
	}
	ch := make(chan result, 1)
	go func() {
		pw, ok := req.Wait()
		ch <- result{pw, ok}
	}()
	select {
	case r := <-ch:
		return r.pw, r.ok
	case <-time.After(remaining):
		return "", false
	}
}

func (s *Session) finishTimeout(ro *readOutcome) ExecutionOutcome {
	return ExecutionOutcome{
		Stdout:     append([]byte(nil), ro.stdout.Bytes()...),
		Stderr:     ro.stderrBytes(),
		ExitStatus: nil,
		Timeout:    true,
	}
}

func (s *Session) finishBroken(ro *readOutcome, err error) ExecutionOutcome {
	s.mu.Lock()
	s.state = StateBroken
	s.mu.Unlock()
	return ExecutionOutcome{
		Stdout:       append([]byte(nil), ro.stdout.Bytes()...),
		Stderr:       ro.stderrBytes(),
		ExitStatus:   nil,
		DeniedReason: "session_broken: " + err.Error(),
	}
}

// drainDiscard implements cap response (ii)/(iii): stop accumulating, but
// keep consuming lines (without storing them) until the sentinel appears
// or a short secondary timeout elapses. readUntilSentinel reports a reset
// as needed after it either way, so Run reopens the channel.
func (s *Session) drainDiscard(sentinel string, ro *readOutcome, lines <-chan lineMsg) ExecutionOutcome {
	secondary := time.After(5 * time.Second)
	for {
		select {
		case <-secondary:
			return ExecutionOutcome{
				Stdout:     append([]byte(nil), ro.stdout.Bytes()...),
				Stderr:     ro.stderrBytes(),
				ExitStatus: nil,
				Truncated:  true,
			}
		case msg := <-lines:
			if msg.err != nil {
				return ExecutionOutcome{
					Stdout:     append([]byte(nil), ro.stdout.Bytes()...),
					Stderr:     ro.stderrBytes(),
					ExitStatus: nil,
					Truncated:  true,
				}
			}
			if strings.TrimRight(msg.line, "\r\n") == sentinel {
				return ExecutionOutcome{
					Stdout:     append([]byte(nil), ro.stdout.Bytes()...),
					Stderr:     ro.stderrBytes(),
					ExitStatus: nil,
					Truncated:  true,
				}
			}
		}
	}
}

func (s *Session) drainStderr(ro *readOutcome, done <-chan struct{}) []byte {
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}
	return ro.stderrBytes()
}
