package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the queue length used when none is configured.
const DefaultBuffer = 128

// Async makes a Sink fire-and-forget. Submit never blocks: when the queue
// is full the document is dropped and counted. A single worker persists
// queued documents in submission order.
type Async struct {
	sink    Sink
	queue   chan Document
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	persisted atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewAsync starts a worker draining into sink. Each Persist call gets
// timeout to finish.
func NewAsync(sink Sink, buffer int, timeout time.Duration, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:    sink,
		queue:   make(chan Document, buffer),
		timeout: timeout,
		logger:  logger.With("component", "content_sink"),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Submit queues doc and reports whether it was accepted.
func (a *Async) Submit(doc Document) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return false
	}
	select {
	case a.queue <- doc:
		return true
	default:
		a.dropped.Add(1)
		a.logger.Warn("sink queue full, document dropped",
			"room_id", doc.RoomID,
			"node_id", doc.NodeID)
		return false
	}
}

func (a *Async) run() {
	defer close(a.done)
	for doc := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.sink.Persist(ctx, doc)
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.logger.Error("persist document",
				"room_id", doc.RoomID,
				"node_id", doc.NodeID,
				"error", err)
			continue
		}
		a.persisted.Add(1)
	}
}

// Close stops accepting documents and waits for the queue to drain or ctx
// to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) Persisted() uint64 { return a.persisted.Load() }
func (a *Async) Failed() uint64    { return a.failed.Load() }
func (a *Async) Dropped() uint64   { return a.dropped.Load() }
