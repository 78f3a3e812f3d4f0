package interposer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PromptRequest is a pending, externally resolvable request for a secret,
// created when the interposer cannot itself supply one. It lives only in
// the process-wide PendingTable below — spec'd as "none" persisted state.
type PromptRequest struct {
	RequestID  string
	SessionID  string
	PromptText string
	PromptKind Kind
	CreatedAt  time.Time
	DeadlineAt time.Time

	resolved chan string
	once     sync.Once
}

// PendingTable holds every unresolved PromptRequest, keyed by request id.
// Entries older than their deadline are pruned by Sweep, which callers
// should run on a tick (mirroring the session registry's idle-eviction
// tick); a request past its deadline is treated as PasswordRequired by
// whichever run() call is waiting on it.
type PendingTable struct {
	ttl time.Duration

	mu    sync.Mutex
	byID  map[string]*PromptRequest
}

// NewPendingTable constructs a table with the given per-request TTL.
func NewPendingTable(ttl time.Duration) *PendingTable {
	return &PendingTable{ttl: ttl, byID: make(map[string]*PromptRequest)}
}

// Register creates a new pending request and returns it. The request's Wait
// yields the resolved password, or ok=false if Cancel or expiry wins the
// race.
func (t *PendingTable) Register(sessionID, promptText string, kind Kind) *PromptRequest {
	now := time.Now()
	req := &PromptRequest{
		RequestID:  uuid.NewString(),
		SessionID:  sessionID,
		PromptText: promptText,
		PromptKind: kind,
		CreatedAt:  now,
		DeadlineAt: now.Add(t.ttl),
		resolved:   make(chan string, 1),
	}
	t.mu.Lock()
	t.byID[req.RequestID] = req
	t.mu.Unlock()
	return req
}

// Wait blocks until the request is resolved, cancelled, or its deadline
// passes, whichever comes first. ok is false on timeout or cancellation.
func (req *PromptRequest) Wait() (password string, ok bool) {
	remaining := time.Until(req.DeadlineAt)
	if remaining <= 0 {
		return "", false
	}
	select {
	case pw, open := <-req.resolved:
		return pw, open && pw != ""
	case <-time.After(remaining):
		return "", false
	}
}

// Provide resolves a pending request with a password. Returns false if the
// request is unknown, already resolved, or past its deadline.
func (t *PendingTable) Provide(requestID, password string) bool {
	t.mu.Lock()
	req, ok := t.byID[requestID]
	if ok {
		delete(t.byID, requestID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if time.Now().After(req.DeadlineAt) {
		return false
	}
	sent := false
	req.once.Do(func() {
		req.resolved <- password
		close(req.resolved)
		sent = true
	})
	return sent
}

// Cancel removes a pending request without resolving it, waking any Wait
// with ok=false.
func (t *PendingTable) Cancel(requestID string) bool {
	t.mu.Lock()
	req, ok := t.byID[requestID]
	if ok {
		delete(t.byID, requestID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	req.once.Do(func() { close(req.resolved) })
	return true
}

// List returns every currently pending request, for ssh_list_password_requests.
func (t *PendingTable) List() []*PromptRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*PromptRequest, 0, len(t.byID))
	for _, req := range t.byID {
		out = append(out, req)
	}
	return out
}

// Sweep removes requests past their deadline, waking their Wait callers.
func (t *PendingTable) Sweep() {
	now := time.Now()
	t.mu.Lock()
	var expired []*PromptRequest
	for id, req := range t.byID {
		if now.After(req.DeadlineAt) {
			expired = append(expired, req)
			delete(t.byID, id)
		}
	}
	t.mu.Unlock()
	for _, req := range expired {
		req.once.Do(func() { close(req.resolved) })
	}
}
