package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(DefaultConfig())
	defer bus.Close(time.Second)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	err := bus.Subscribe(TopicSignalRaw, "collector", func(_ context.Context, ev *Envelope) error {
		mu.Lock()
		got = append(got, ev.EventType)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, et := range []string{"first", "second", "third"} {
		_, err := bus.Publish(ctx, TopicSignalRaw, et, nil)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestPublishUnknownTopic(t *testing.T) {
	bus := NewBus(DefaultConfig())
	defer bus.Close(time.Second)

	_, err := bus.Publish(context.Background(), Topic("bogus"), "x", nil)
	assert.Error(t, err)
}

func TestBackpressureTimeout(t *testing.T) {
	bus := NewBus(Config{QueueCapacity: 1, PublishTimeout: 50 * time.Millisecond})
	defer bus.Close(time.Second)

	block := make(chan struct{})
	err := bus.Subscribe(TopicSignalRaw, "slow", func(_ context.Context, _ *Envelope) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	// First occupies the handler, second fills the queue slot.
	_, err = bus.Publish(ctx, TopicSignalRaw, "a", nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = bus.Publish(ctx, TopicSignalRaw, "b", nil)
	require.NoError(t, err)

	_, err = bus.Publish(ctx, TopicSignalRaw, "c", nil)
	assert.ErrorIs(t, err, ErrBackpressureTimeout)
	close(block)
}

func TestTryPublishDropsWhenFull(t *testing.T) {
	bus := NewBus(Config{QueueCapacity: 1, PublishTimeout: time.Second})
	defer bus.Close(time.Second)

	block := make(chan struct{})
	defer close(block)
	err := bus.Subscribe(TopicAuditLog, "slow", func(_ context.Context, _ *Envelope) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	// Saturate handler and queue, then TryPublish must report a drop.
	ok1 := bus.TryPublish(TopicAuditLog, "a", nil)
	require.True(t, ok1)

	deadline := time.After(time.Second)
	for bus.TryPublish(TopicAuditLog, "fill", nil) {
		select {
		case <-deadline:
			t.Fatal("queue never filled")
		default:
		}
	}
	assert.False(t, bus.TryPublish(TopicAuditLog, "dropped", nil))
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus(DefaultConfig())
	require.NoError(t, bus.Close(time.Second))

	_, err := bus.Publish(context.Background(), TopicSignalRaw, "late", nil)
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.False(t, bus.TryPublish(TopicAuditLog, "late", nil))

	// Second close is a no-op.
	assert.NoError(t, bus.Close(time.Second))
}

func TestInjectSkipsMirror(t *testing.T) {
	bus := NewBus(DefaultConfig())
	defer bus.Close(time.Second)

	received := make(chan *Envelope, 1)
	err := bus.Subscribe(TopicSignalScored, "peer", func(_ context.Context, ev *Envelope) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	ev := NewEnvelope(TopicSignalScored, "peer-event", map[string]int{"n": 1})
	ev.Origin = "some-other-process"
	require.NoError(t, bus.Inject(context.Background(), ev))

	select {
	case got := <-received:
		assert.Equal(t, ev.EventID, got.EventID)
		assert.Equal(t, "some-other-process", got.Origin)
	case <-time.After(time.Second):
		t.Fatal("injected event not delivered")
	}
}

func TestDeduperEvictsFIFO(t *testing.T) {
	d := NewDeduper(2)

	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
	assert.False(t, d.Seen("c")) // evicts "a"
	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("c"))
}

func TestDeduperForgetAllowsReprocessing(t *testing.T) {
	d := NewDeduper(4)

	assert.False(t, d.Seen("a"))
	d.Forget("a")
	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))

	d.Forget("never-seen") // no-op

	// Forgotten ids free their FIFO slot.
	assert.False(t, d.Seen("b"))
	d.Forget("b")
	assert.False(t, d.Seen("c"))
	assert.False(t, d.Seen("d"))
	assert.False(t, d.Seen("e"))
	assert.True(t, d.Seen("a")) // still within capacity
}

func TestEnvelopeStamping(t *testing.T) {
	ev := NewEnvelope(TopicAlertTriggered, "t-7", "payload")
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, TopicAlertTriggered, ev.Topic)
	assert.Equal(t, "t-7", ev.EventType)
	assert.WithinDuration(t, time.Now().UTC(), ev.Timestamp, time.Second)

	other := NewEnvelope(TopicAlertTriggered, "t-7", "payload")
	assert.NotEqual(t, ev.EventID, other.EventID)
}
