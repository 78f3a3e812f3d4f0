// Package registry owns the process-wide table of live SSH sessions:
// allocation under a session cap, lookup, listing, and a background
// idle-eviction tick. It never inspects command content — that is
// internal/policy and internal/sshsession's job.
package registry

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsloop/sshbroker/internal/brokererr"
	"github.com/opsloop/sshbroker/internal/metrics"
	"github.com/opsloop/sshbroker/internal/sshsession"
)

// Registry is a mutex-protected map from session id to session.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*sshsession.Session
	maxSessions int
	idleTTL     time.Duration

	metrics *metrics.SessionMetrics
	log     zerolog.Logger

	evictedTotal atomic.Int64

	stop chan struct{}
	once sync.Once
}

// New constructs an empty registry. Call StartEvictionTick separately once
// the caller's background-task lifecycle is ready.
func New(maxSessions int, idleTTL time.Duration, m *metrics.SessionMetrics, log zerolog.Logger) *Registry {
	return &Registry{
		sessions:    make(map[string]*sshsession.Session),
		maxSessions: maxSessions,
		idleTTL:     idleTTL,
		metrics:     m,
		log:         log.With().Str("component", "registry").Logger(),
		stop:        make(chan struct{}),
	}
}

// Allocate registers a freshly-dialed session under a newly generated id,
// rejecting the call once the live count has reached max_sessions.
// Allocate registers sess under a newly generated id.
func (r *Registry) Allocate(sess *sshsession.Session) (string, error) {
	return r.AllocateWithSuggestedID(sess, "")
}

// AllocateWithSuggestedID registers sess under the caller-proposed id when
// one is given, or under a generated one when suggested is empty. A
// suggested id that is already taken is rejected with a ConfigError.
// A caller-supplied id is not required to meet the 9+ char url-safe shape
// that newUniqueID guarantees for generated ids.
func (r *Registry) AllocateWithSuggestedID(sess *sshsession.Session, suggested string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxSessions {
		return "", brokererr.New(brokererr.KindMaxSessionsReached, "maximum concurrent sessions reached")
	}

	var id string
	if suggested != "" {
		if _, taken := r.sessions[suggested]; taken {
			return "", brokererr.New(brokererr.KindConfigError, "session_id already in use: "+suggested)
		}
		id = suggested
	} else {
		generated, err := r.newUniqueID()
		if err != nil {
			return "", brokererr.New(brokererr.KindConfigError, err.Error())
		}
		id = generated
	}

	sess.ID = id
	r.sessions[id] = sess
	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(len(r.sessions)))
		r.metrics.SessionOperations.WithLabelValues("connect").Inc()
	}
	return id, nil
}

// newUniqueID generates a random 9+ character url-safe token, retrying on
// the vanishingly unlikely collision. Caller must hold r.mu.
func (r *Registry) newUniqueID() (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		id, err := randomURLSafeID(9)
		if err != nil {
			return "", err
		}
		if _, exists := r.sessions[id]; !exists {
			return id, nil
		}
	}
	return "", brokererr.New(brokererr.KindConfigError, "could not allocate a unique session id")
}

func randomURLSafeID(minLen int) (string, error) {
	buf := make([]byte, minLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := base64.RawURLEncoding.EncodeToString(buf)
	id = strings.TrimRight(id, "=")
	if len(id) < minLen {
		return id + strings.Repeat("0", minLen-len(id)), nil
	}
	return id, nil
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*sshsession.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, brokererr.New(brokererr.KindNotFound, "no such session: "+id)
	}
	return sess, nil
}

// SessionListing is one row of ssh_list_sessions's result.
type SessionListing struct {
	ID       string
	Host     string
	Username string
	IdleFor  time.Duration
}

// List returns a snapshot of every live session.
func (r *Registry) List() []SessionListing {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionListing, 0, len(r.sessions))
	for id, sess := range r.sessions {
		info := sess.Info()
		out = append(out, SessionListing{ID: id, Host: info.Host, Username: info.Username, IdleFor: info.IdleFor})
	}
	return out
}

// Disconnect removes and disconnects a session by id. Idempotent on an
// unknown id (no error) to make ssh_disconnect safe to retry.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if ok {
		sess.Disconnect()
		if r.metrics != nil {
			r.metrics.SessionOperations.WithLabelValues("disconnect").Inc()
		}
	}
}

// evictIdle disconnects every session whose idle time exceeds idleTTL.
func (r *Registry) evictIdle() {
	r.mu.Lock()
	type victim struct {
		id   string
		sess *sshsession.Session
	}
	var victims []victim
	for id, sess := range r.sessions {
		if sess.IdleFor() > r.idleTTL {
			victims = append(victims, victim{id, sess})
		}
	}
	for _, v := range victims {
		delete(r.sessions, v.id)
	}
	if r.metrics != nil && len(victims) > 0 {
		r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.log.Info().Str("session_id", v.id).Msg("evicting idle session")
		v.sess.Disconnect()
		r.evictedTotal.Add(1)
		if r.metrics != nil {
			r.metrics.SessionOperations.WithLabelValues("evict").Inc()
		}
	}
}

// StartEvictionTick runs evictIdle on a 30s tick until Stop is called.
func (r *Registry) StartEvictionTick() {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.evictIdle()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop ends the eviction tick. Idempotent.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stop) })
}

// Count reports the current number of live sessions, for ssh_health.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictedTotal reports the cumulative number of sessions the idle-eviction
// tick has closed, for ssh_health.
func (r *Registry) EvictedTotal() int64 {
	return r.evictedTotal.Load()
}
