package registry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/sshbroker/internal/brokererr"
	"github.com/opsloop/sshbroker/internal/sshsession"
)

func fakeSession(host, user string) *sshsession.Session {
	return &sshsession.Session{Host: host, Username: user, CreatedAt: time.Now()}
}

func newTestRegistry(max int, idleTTL time.Duration) *Registry {
	return New(max, idleTTL, nil, zerolog.Nop())
}

func TestAllocateAssignsURLSafeID(t *testing.T) {
	r := newTestRegistry(5, time.Minute)
	id, err := r.Allocate(fakeSession("10.0.0.1", "alice"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(id), 9)
	for _, c := range id {
		assert.False(t, c == '/' || c == '+' || c == '=', "id must be url-safe, got %q", id)
	}
}

func TestAllocateRejectsAtMaxSessions(t *testing.T) {
	r := newTestRegistry(2, time.Minute)
	_, err := r.Allocate(fakeSession("h1", "u"))
	require.NoError(t, err)
	_, err = r.Allocate(fakeSession("h2", "u"))
	require.NoError(t, err)

	_, err = r.Allocate(fakeSession("h3", "u"))
	require.Error(t, err)
	be, ok := brokererr.As(err)
	require.True(t, ok)
	assert.Equal(t, brokererr.KindMaxSessionsReached, be.Kind)
}

func TestGetUnknownIDIsNotFound(t *testing.T) {
	r := newTestRegistry(5, time.Minute)
	_, err := r.Get("does-not-exist")
	require.Error(t, err)
	be, ok := brokererr.As(err)
	require.True(t, ok)
	assert.Equal(t, brokererr.KindNotFound, be.Kind)
}

func TestListReturnsEveryLiveSession(t *testing.T) {
	r := newTestRegistry(5, time.Minute)
	id1, _ := r.Allocate(fakeSession("h1", "alice"))
	id2, _ := r.Allocate(fakeSession("h2", "bob"))

	listing := r.List()
	assert.Len(t, listing, 2)

	ids := map[string]bool{}
	for _, l := range listing {
		ids[l.ID] = true
	}
	assert.True(t, ids[id1])
	assert.True(t, ids[id2])
}

func TestDisconnectRemovesSessionAndIsIdempotent(t *testing.T) {
	r := newTestRegistry(5, time.Minute)
	id, _ := r.Allocate(fakeSession("h1", "alice"))

	r.Disconnect(id)
	_, err := r.Get(id)
	require.Error(t, err)

	// Disconnecting an already-removed id must not panic or error.
	r.Disconnect(id)
}

func TestEvictIdleRemovesSessionsPastTTL(t *testing.T) {
	r := newTestRegistry(5, time.Millisecond)
	id, _ := r.Allocate(fakeSession("h1", "alice"))

	time.Sleep(5 * time.Millisecond)
	r.evictIdle()

	_, err := r.Get(id)
	require.Error(t, err)
}

func TestCountReflectsLiveSessions(t *testing.T) {
	r := newTestRegistry(5, time.Minute)
	assert.Equal(t, 0, r.Count())
	r.Allocate(fakeSession("h1", "alice"))
	assert.Equal(t, 1, r.Count())
}
