package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/visioncortex/backend/internal/core"
	"github.com/visioncortex/backend/internal/retry"
)

// MirrorClient is the minimal pub/sub surface any Redis-style library can
// satisfy. The bus never imports a driver directly; cmd code creates the
// concrete client and injects it.
type MirrorClient interface {
	// Publish sends a message to a channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a callback for messages on a channel and
	// returns an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// Mirror pushes a copy of every published event to an external pub/sub
// endpoint. Publishes are queued and retried with the shared backoff
// policy on a background worker, so the in-process path never waits on
// mirror I/O. Queue overflow drops the mirror copy (in-process delivery
// already happened) and counts the drop.
type Mirror struct {
	client MirrorClient
	prefix string // channel prefix, e.g. "cortex:events:"
	origin string // this process's id, used to skip self-published peer events
	policy retry.Policy

	out     chan *Envelope
	dropped atomic.Int64
	failed  atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	unsubs   []func()
	unsubsMu sync.Mutex
}

// NewMirror creates a mirror and starts its publish worker.
func NewMirror(client MirrorClient, channelPrefix string, policy retry.Policy) *Mirror {
	if channelPrefix == "" {
		channelPrefix = "cortex:events:"
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		client: client,
		prefix: channelPrefix,
		origin: uuid.New().String(),
		policy: policy,
		out:    make(chan *Envelope, 1024),
		ctx:    ctx,
		cancel: cancel,
	}
	m.wg.Add(1)
	go m.publishLoop()
	return m
}

// Ping verifies mirror connectivity with a probe message. Used at startup
// to decide between degraded mode and a hard exit.
func (m *Mirror) Ping(ctx context.Context) error {
	if err := m.client.Publish(ctx, m.prefix+"ping", []byte(`{"ping":true}`)); err != nil {
		return &core.TransportError{Op: "mirror.ping", Err: err}
	}
	return nil
}

func (m *Mirror) enqueue(ev *Envelope) {
	select {
	case m.out <- ev:
	default:
		m.dropped.Add(1)
	}
}

func (m *Mirror) publishLoop() {
	defer m.wg.Done()
	for ev := range m.out {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("[Mirror] marshal failed", "event_id", ev.EventID, "error", err)
			continue
		}
		channel := m.prefix + string(ev.Topic)
		err = retry.Do(m.ctx, m.policy, func(ctx context.Context) error {
			return m.client.Publish(ctx, channel, data)
		})
		if err != nil {
			m.failed.Add(1)
			terr := &core.TransportError{Op: "mirror.publish", Err: err}
			slog.Warn("[Mirror] publish abandoned after retries",
				"topic", ev.Topic, "event_id", ev.EventID, "error", terr)
		}
	}
}

// ConsumePeers subscribes to every topic channel and injects events
// published by other processes into the local bus. Events this process
// published are skipped by origin; handlers remain responsible for
// event-id idempotency because delivery is at-least-once.
func (m *Mirror) ConsumePeers(bus *Bus) error {
	for _, topic := range Topics() {
		channel := m.prefix + string(topic)
		unsub, err := m.client.Subscribe(m.ctx, channel, func(data []byte) {
			var ev Envelope
			if err := json.Unmarshal(data, &ev); err != nil {
				slog.Warn("[Mirror] bad peer event", "channel", channel, "error", err)
				return
			}
			if ev.Origin == m.origin {
				return
			}
			if err := bus.Inject(m.ctx, &ev); err != nil {
				slog.Warn("[Mirror] peer inject failed",
					"topic", ev.Topic, "event_id", ev.EventID, "error", err)
			}
		})
		if err != nil {
			return &core.TransportError{Op: "mirror.subscribe", Err: err}
		}
		m.unsubsMu.Lock()
		m.unsubs = append(m.unsubs, unsub)
		m.unsubsMu.Unlock()
	}
	slog.Info("[Mirror] consuming peer events", "topics", len(Topics()))
	return nil
}

// Stats reports drop and failure counters for the metrics surface.
func (m *Mirror) Stats() (dropped, failed int64) {
	return m.dropped.Load(), m.failed.Load()
}

// Close stops consuming peers, drains the publish queue, and stops the
// worker.
func (m *Mirror) Close() error {
	m.unsubsMu.Lock()
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	m.unsubsMu.Unlock()

	// Cancel first so the worker's retries abort instead of holding
	// shutdown for the full backoff schedule; remaining sends are
	// best-effort.
	m.cancel()
	close(m.out)
	m.wg.Wait()
	return nil
}
