package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id        string
	mu        sync.Mutex
	delivered []string
	failOn    string
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Deliver(_ context.Context, channel string, _ json.RawMessage) error {
	if channel == f.failOn {
		return assertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, channel)
	return nil
}

var assertErr = assertError("delivery failed")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestInProcess_BindSubscribePublish(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()

	subA := &fakeSubscriber{id: "a"}
	subB := &fakeSubscriber{id: "b"}

	require.NoError(t, b.Bind(ctx, subA))
	require.NoError(t, b.Bind(ctx, subB))
	require.NoError(t, b.Subscribe(ctx, subA, "room.1"))
	require.NoError(t, b.Subscribe(ctx, subB, "room.1"))

	assert.Equal(t, 2, b.SubscriberCount("room.1"))

	require.NoError(t, b.Exchange().Publish(ctx, "room.1", json.RawMessage(`"hi"`)))

	subA.mu.Lock()
	assert.Equal(t, []string{"room.1"}, subA.delivered)
	subA.mu.Unlock()

	subB.mu.Lock()
	assert.Equal(t, []string{"room.1"}, subB.delivered)
	subB.mu.Unlock()
}

func TestInProcess_SubscribeWithoutBindFails(t *testing.T) {
	t.Parallel()

	b := New()
	sub := &fakeSubscriber{id: "x"}
	err := b.Subscribe(context.Background(), sub, "ch")
	assert.Error(t, err)
}

func TestInProcess_UnbindRemovesFromAllChannels(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()
	sub := &fakeSubscriber{id: "a"}

	require.NoError(t, b.Bind(ctx, sub))
	require.NoError(t, b.Subscribe(ctx, sub, "ch1"))
	require.NoError(t, b.Subscribe(ctx, sub, "ch2"))

	require.NoError(t, b.Unbind(ctx, sub))

	assert.Equal(t, 0, b.SubscriberCount("ch1"))
	assert.Equal(t, 0, b.SubscriberCount("ch2"))
}

func TestInProcess_PublishNoSubscribersIsNoop(t *testing.T) {
	t.Parallel()

	b := New()
	err := b.Exchange().Publish(context.Background(), "empty", json.RawMessage(`1`))
	assert.NoError(t, err)
}

func TestInProcess_PublishSwallowsPerSubscriberError(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()
	bad := &fakeSubscriber{id: "bad", failOn: "ch"}
	good := &fakeSubscriber{id: "good"}

	require.NoError(t, b.Bind(ctx, bad))
	require.NoError(t, b.Bind(ctx, good))
	require.NoError(t, b.Subscribe(ctx, bad, "ch"))
	require.NoError(t, b.Subscribe(ctx, good, "ch"))

	err := b.Exchange().Publish(ctx, "ch", json.RawMessage(`1`))
	assert.NoError(t, err)

	good.mu.Lock()
	assert.Equal(t, []string{"ch"}, good.delivered)
	good.mu.Unlock()
}

func TestInProcess_ReadyClosedImmediately(t *testing.T) {
	t.Parallel()

	b := New()
	select {
	case <-b.Ready():
	default:
		t.Fatal("expected Ready channel to be closed")
	}
}
