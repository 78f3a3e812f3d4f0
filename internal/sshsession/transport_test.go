package sshsession

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opsloop/sshbroker/internal/brokererr"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return false }

func TestClassifyDialErrTimeout(t *testing.T) {
	out := classifyDialErr(fakeTimeoutErr{})
	be, ok := brokererr.As(out)
	assert := assert.New(t)
	assert.True(ok)
	assert.Equal(brokererr.KindConnectTimeout, be.Kind)
}

func TestClassifyDialErrAuthFailure(t *testing.T) {
	out := classifyDialErr(errors.New("ssh: handshake failed: unable to authenticate"))
	be, ok := brokererr.As(out)
	assert.True(t, ok)
	assert.Equal(t, brokererr.KindAuthFailed, be.Kind)
}

func TestClassifyDialErrDefaultsToNetworkUnreachable(t *testing.T) {
	out := classifyDialErr(errors.New("dial tcp: connection refused"))
	be, ok := brokererr.As(out)
	assert.True(t, ok)
	assert.Equal(t, brokererr.KindNetworkUnreachable, be.Kind)
}

func TestClassifyDialErrNil(t *testing.T) {
	assert.Nil(t, classifyDialErr(nil))
}
