package socketmesh

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	s, err := New(WithAddr(":0"), WithOrigins(AnyOrigin()))
	require.NoError(t, err)
	return s.(*server)
}

func TestAddRemoveMiddleware(t *testing.T) {
	srv := newTestServer(t)

	var calls int
	gate := EmitGate(func(req EmitRequest, next Continuation) {
		calls++
		next(nil)
	})

	srv.AddMiddleware(StageEmit, gate)
	assert.Equal(t, 1, srv.stages.Len(string(StageEmit)))

	srv.RemoveMiddleware(StageEmit, gate)
	assert.Equal(t, 0, srv.stages.Len(string(StageEmit)))
}

func TestAddMiddleware_WrongSignaturePanics(t *testing.T) {
	srv := newTestServer(t)
	assert.Panics(t, func() {
		srv.AddMiddleware(StageEmit, func() {})
	})
}

func TestStats_ReflectsRejectionCounters(t *testing.T) {
	srv := newTestServer(t)
	srv.recordRejection(StageSubscribe)
	srv.recordRejection(StageSubscribe)
	srv.recordRejection(StagePublishIn)

	stats := srv.Stats()
	assert.Equal(t, int64(2), stats.SubscribeRejections)
	assert.Equal(t, int64(1), stats.PublishInRejections)
	assert.Equal(t, 0, stats.ClientsCount)
}

func TestOn_LifecycleSignatureMismatchPanics(t *testing.T) {
	srv := newTestServer(t)
	assert.Panics(t, func() {
		srv.On(EventConnection, func(string) {})
	})
}

func TestOn_UserEventDispatch(t *testing.T) {
	srv := newTestServer(t)

	var received json.RawMessage
	srv.On("chat.message", EventHandler(func(sock *Socket, data json.RawMessage) {
		received = data
	}))

	srv.dispatchEvent("chat.message", nil, json.RawMessage(`"hi"`))
	assert.Equal(t, json.RawMessage(`"hi"`), received)
}

func TestWarnIfConfigured_SkipsSilentBlock(t *testing.T) {
	srv := newTestServer(t)

	var warned bool
	srv.On(EventWarning, func(error) { warned = true })

	srv.warnIfConfigured(&SilentMiddlewareBlockedError{Stage: "subscribe"})
	assert.False(t, warned)

	srv.warnIfConfigured(&ClientPublishDisabledError{})
	assert.True(t, warned)
}
