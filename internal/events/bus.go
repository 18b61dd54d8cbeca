package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one event. Handlers on the same topic are invoked
// serially in registration order, so a subscriber observes events in
// publish order. Delivery is at-least-once: handlers must be idempotent
// under repeated event ids.
type Handler func(ctx context.Context, ev *Envelope) error

// Bus errors.
var (
	ErrBusClosed = errors.New("event bus is closed")

	// ErrBackpressureTimeout means a publish could not acquire queue
	// capacity within its deadline. Critical-topic publishers fail the
	// upstream operation; audit.log publishers drop via TryPublish.
	ErrBackpressureTimeout = errors.New("publish timed out waiting for queue capacity")
)

// Config tunes the in-process bus.
type Config struct {
	QueueCapacity  int           // bounded per-topic queue size
	PublishTimeout time.Duration // per-publish backpressure deadline
}

// DefaultConfig returns the standard bus tuning.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  256,
		PublishTimeout: 5 * time.Second,
	}
}

type subscriber struct {
	name string
	fn   Handler
}

// Bus is the in-process pub/sub layer. One dispatch goroutine per topic
// drains a bounded queue and invokes subscribers serially; a full queue
// blocks the publisher until the consumer drains or the publish deadline
// elapses.
type Bus struct {
	cfg    Config
	mirror *Mirror // optional, nil when no external fan-out configured

	mu     sync.RWMutex
	subs   map[Topic][]subscriber
	closed bool

	queues map[Topic]chan *Envelope

	dispatchCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewBus creates a bus with a dispatcher per known topic.
func NewBus(cfg Config) *Bus {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:         cfg,
		subs:        make(map[Topic][]subscriber),
		queues:      make(map[Topic]chan *Envelope, len(Topics())),
		dispatchCtx: ctx,
		cancel:      cancel,
	}
	for _, topic := range Topics() {
		q := make(chan *Envelope, cfg.QueueCapacity)
		b.queues[topic] = q
		b.wg.Add(1)
		go b.dispatch(topic, q)
	}
	return b
}

// AttachMirror wires an external mirror. Every subsequently published
// event is also pushed to it. Call before the first Publish.
func (b *Bus) AttachMirror(m *Mirror) {
	b.mirror = m
}

// Subscribe registers a handler for a topic. The name appears in logs when
// the handler fails.
func (b *Bus) Subscribe(topic Topic, name string, fn Handler) error {
	if _, ok := b.queues[topic]; !ok {
		return fmt.Errorf("unknown topic %q", topic)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.subs[topic] = append(b.subs[topic], subscriber{name: name, fn: fn})
	return nil
}

// Publish stamps an envelope and enqueues it on the topic's queue,
// blocking on backpressure up to the configured publish deadline. The
// mirror copy is queued asynchronously and never blocks this path.
func (b *Bus) Publish(ctx context.Context, topic Topic, eventType string, payload interface{}) (*Envelope, error) {
	ev := NewEnvelope(topic, eventType, payload)
	if b.mirror != nil {
		ev.Origin = b.mirror.origin
	}
	if err := b.enqueue(ctx, ev); err != nil {
		return nil, err
	}
	if b.mirror != nil {
		b.mirror.enqueue(ev)
	}
	return ev, nil
}

// PublishPrepared enqueues a pre-stamped envelope. The orchestrator's
// synchronous ingest path builds envelopes first so it can mark them as
// already handled before subscribers could observe them.
func (b *Bus) PublishPrepared(ctx context.Context, ev *Envelope) error {
	if b.mirror != nil && ev.Origin == "" {
		ev.Origin = b.mirror.origin
	}
	if err := b.enqueue(ctx, ev); err != nil {
		return err
	}
	if b.mirror != nil {
		b.mirror.enqueue(ev)
	}
	return nil
}

// TryPublish enqueues without blocking; the event is dropped when the
// queue is full. Intended for non-critical topics (audit.log).
func (b *Bus) TryPublish(topic Topic, eventType string, payload interface{}) bool {
	q, ok := b.queues[topic]
	if !ok {
		return false
	}
	ev := NewEnvelope(topic, eventType, payload)
	if b.mirror != nil {
		ev.Origin = b.mirror.origin
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case q <- ev:
		if b.mirror != nil {
			b.mirror.enqueue(ev)
		}
		return true
	default:
		return false
	}
}

// Inject delivers a pre-built envelope (typically received from the
// mirror) to local subscribers without re-mirroring it.
func (b *Bus) Inject(ctx context.Context, ev *Envelope) error {
	return b.enqueue(ctx, ev)
}

func (b *Bus) enqueue(ctx context.Context, ev *Envelope) error {
	q, ok := b.queues[ev.Topic]
	if !ok {
		return fmt.Errorf("unknown topic %q", ev.Topic)
	}

	// The read lock is held across the send so Close cannot close the
	// queue underneath an in-flight publish.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case q <- ev:
		return nil
	case <-timer.C:
		return fmt.Errorf("topic %s: %w", ev.Topic, ErrBackpressureTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch drains one topic queue, invoking subscribers serially so each
// subscriber observes per-topic publish order.
func (b *Bus) dispatch(topic Topic, q chan *Envelope) {
	defer b.wg.Done()
	for ev := range q {
		if b.dispatchCtx.Err() != nil {
			// Force-stop: shutdown grace expired, drop the remainder.
			continue
		}
		b.mu.RLock()
		subs := b.subs[topic]
		b.mu.RUnlock()
		for _, sub := range subs {
			if err := sub.fn(b.dispatchCtx, ev); err != nil {
				slog.Warn("[Bus] handler failed",
					"topic", topic, "subscriber", sub.name,
					"event_id", ev.EventID, "error", err)
			}
		}
	}
}

// Close stops accepting publishes, drains in-flight events up to the
// grace window, then cancels outstanding handlers and closes the mirror.
func (b *Bus) Close(grace time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	for _, q := range b.queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("[Bus] drain grace expired, cancelling handlers")
		b.cancel()
		<-done
	}
	b.cancel()

	if b.mirror != nil {
		return b.mirror.Close()
	}
	return nil
}

// MirrorStats reports the attached mirror's drop and failure counters.
// Both are zero when no mirror is attached.
func (b *Bus) MirrorStats() (dropped, failed int64) {
	if b.mirror == nil {
		return 0, 0
	}
	return b.mirror.Stats()
}

// QueueDepth reports the current backlog for one topic.
func (b *Bus) QueueDepth(topic Topic) int {
	if q, ok := b.queues[topic]; ok {
		return len(q)
	}
	return 0
}
