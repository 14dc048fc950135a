package event

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler processes one event addressed to a given EntityKind. A
// returned error is surfaced to the Bus's OnFatal callback; per
// spec.md §7, only invariant-violation errors should reach here —
// recoverable errors are turned into further events by the handler
// itself before it returns nil.
type Handler func(Event) error

// unboundedQueue is a simple mutex+condvar backed FIFO. The bus needs
// an unbounded MPSC queue (spec.md §4.1): many goroutines call Handle
// concurrently (RPC handlers, RM/NM communicator callbacks), one
// goroutine drains it.
type unboundedQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
}

func newUnboundedQueue() *unboundedQueue {
	q := &unboundedQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *unboundedQueue) push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, e)
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed. ok is
// false only once the queue has been closed and drained.
func (q *unboundedQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

func (q *unboundedQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Bus is the AM's single process-wide event dispatcher. State mutation
// happens exclusively inside handlers invoked from the single dispatch
// goroutine started by Run; Handle is the only method safe to call
// concurrently from other goroutines.
type Bus struct {
	log      *zap.Logger
	queue    *unboundedQueue
	mu       sync.RWMutex
	handlers map[EntityKind]Handler
	onFatal  func(error)
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewBus constructs a Bus. onFatal is invoked (on the dispatch
// goroutine) whenever a handler returns a non-nil error; the AppMaster's
// onFatal records the error and makes appmaster.Run return it. onFatal
// may be nil in tests.
func NewBus(log *zap.Logger, onFatal func(error)) *Bus {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &Bus{
		log:      log,
		queue:    newUnboundedQueue(),
		handlers: make(map[EntityKind]Handler),
		onFatal:  onFatal,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Register installs the handler for all events addressed to subjects of
// the given kind. Registering the same kind twice replaces the handler.
func (b *Bus) Register(kind EntityKind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

// Handle enqueues an event for dispatch. Safe to call from any
// goroutine; never blocks on handler execution.
func (b *Bus) Handle(e Event) {
	b.queue.push(e)
}

// Run drains the queue on the calling goroutine until ctx is cancelled
// or Stop is called. It is meant to be run in its own goroutine by the
// caller (typically internal/appmaster).
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	go func() {
		select {
		case <-ctx.Done():
			b.queue.close()
		case <-b.stop:
		}
	}()
	for {
		e, ok := b.queue.pop()
		if !ok {
			return
		}
		b.dispatch(e)
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	h, ok := b.handlers[e.Subject.Kind]
	b.mu.RUnlock()
	if !ok {
		b.log.Error("no handler registered for event kind",
			zap.String("subject", e.Subject.String()), zap.String("kind", string(e.Kind)))
		return
	}
	if err := h(e); err != nil {
		b.log.Error("handler returned error",
			zap.String("subject", e.Subject.String()), zap.String("kind", string(e.Kind)), zap.Error(err))
		b.onFatal(err)
	}
}

// Stop closes the queue, causing Run to return once it has drained
// whatever was already enqueued. Blocks until Run has returned.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.queue.close()
	<-b.done
}
