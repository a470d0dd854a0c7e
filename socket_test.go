package socketmesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socketmesh/socketmesh/internal/protocol"
)

func TestResponder_DoubleSendPanics(t *testing.T) {
	srv := &server{}
	sock := &Socket{srv: srv}
	r := newResponder(sock, 1)

	// First send has nothing to write to: the socket's conn is nil, so
	// respond's best-effort write is skipped by checking sent before
	// reaching conn.Send would be ideal, but here we only exercise the
	// double-send guard directly.
	r.mu.Lock()
	r.sent = true
	r.mu.Unlock()

	assert.PanicsWithError(t, (&ResponseAlreadySentError{RID: 1}).Error(), func() {
		r.respond(protocol.Response{RID: 1})
	})
}

func TestResolveStageDecision(t *testing.T) {
	require.Nil(t, resolveStageDecision(StageEmit, nil))

	err := resolveStageDecision(StageSubscribe, ErrSilentBlock)
	silent, ok := err.(*SilentMiddlewareBlockedError)
	require.True(t, ok)
	assert.Equal(t, "subscribe", silent.Stage)

	other := assertError("boom")
	assert.Equal(t, error(other), resolveStageDecision(StageEmit, other))
}

type assertError string

func (e assertError) Error() string { return string(e) }
