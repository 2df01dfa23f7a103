package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
)

type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) handler(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestMemoryBusExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	rec := &recorder{}

	_, err := b.Subscribe("session.created.sess-1", rec.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "session.created.sess-1", NewEvent("session.created", "test", nil)))
	require.NoError(t, b.Publish(ctx, "session.created.sess-2", NewEvent("session.created", "test", nil)))

	assert.Equal(t, 1, rec.count())
}

func TestMemoryBusSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	rec := &recorder{}

	_, err := b.Subscribe("session.stream.*", rec.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "session.stream.sess-1", NewEvent("session.stream", "test", nil)))
	require.NoError(t, b.Publish(ctx, "session.stream.sess-2", NewEvent("session.stream", "test", nil)))
	// * must not span multiple tokens
	require.NoError(t, b.Publish(ctx, "session.stream.sess-1.extra", NewEvent("session.stream", "test", nil)))
	require.NoError(t, b.Publish(ctx, "session.error.sess-1", NewEvent("session.error", "test", nil)))

	assert.Equal(t, 2, rec.count())
}

func TestMemoryBusMultiTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	rec := &recorder{}

	_, err := b.Subscribe("checkpoint.>", rec.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "checkpoint.created.sess-1", NewEvent("checkpoint.created", "test", nil)))
	require.NoError(t, b.Publish(ctx, "checkpoint.branched.sess-1", NewEvent("checkpoint.branched", "test", nil)))
	require.NoError(t, b.Publish(ctx, "session.created.sess-1", NewEvent("session.created", "test", nil)))

	assert.Equal(t, 2, rec.count())
}

func TestMemoryBusDeliveryOrder(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	rec := &recorder{}

	_, err := b.Subscribe("session.stream.sess-1", rec.handler)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		event := NewEvent("session.stream", "test", map[string]interface{}{"seq": i})
		require.NoError(t, b.Publish(ctx, "session.stream.sess-1", event))
	}

	require.Equal(t, 5, rec.count())
	for i, event := range rec.events {
		assert.Equal(t, i, event.Data["seq"])
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	rec := &recorder{}

	sub, err := b.Subscribe("process.registered.*", rec.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "process.registered.p1", NewEvent("process.registered", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(ctx, "process.registered.p2", NewEvent("process.registered", "test", nil)))

	assert.Equal(t, 1, rec.count())
}

func TestMemoryBusQueueGroupDeliversToOne(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	first := &recorder{}
	second := &recorder{}

	_, err := b.QueueSubscribe("session.created.*", "workers", first.handler)
	require.NoError(t, err)
	_, err = b.QueueSubscribe("session.created.*", "workers", second.handler)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, "session.created.sess-1", NewEvent("session.created", "test", nil)))
	}

	assert.Equal(t, 4, first.count()+second.count())
	assert.Equal(t, 2, first.count())
	assert.Equal(t, 2, second.count())
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	b.Close()

	err := b.Publish(context.Background(), "session.created.sess-1", NewEvent("session.created", "test", nil))
	assert.Error(t, err)
	assert.False(t, b.IsConnected())
}
