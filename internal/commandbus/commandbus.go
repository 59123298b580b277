// Package commandbus defines and implements the publish-and-await-reply
// port the spec treats as an opaque external collaborator (spec §6:
// "downstream device-control message bus"). The worker pool publishes a
// parsed <command> block here and awaits a correlated reply within a
// timeout (spec §4.7 step 4); this package owns only the request/reply
// rendezvous, not whatever executes the command.
package commandbus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrAwaitTimeout is returned by Await when no reply arrives before ctx is
// done; callers bound the wait with a context deadline.
var ErrAwaitTimeout = errors.New("commandbus: await timed out")

// Bus is an in-process implementation of the command bus contract. A real
// deployment might back this with an external broker; callers (the worker
// pool and the dispatcher) hold a *Bus directly, with no interface type in
// front of it.
type Bus struct {
	mu      sync.Mutex
	pending map[string]chan []byte

	subsMu      sync.RWMutex
	subscribers map[string][]func(topic string, payload []byte)
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		pending:     make(map[string]chan []byte),
		subscribers: make(map[string][]func(topic string, payload []byte)),
	}
}

// Register allocates a correlation ID and a reply channel for it, returning
// both plus a cancel func that releases the slot if no reply ever arrives.
func (b *Bus) Register() (requestID string, reply <-chan []byte, cancel func()) {
	id := uuid.NewString()
	ch := make(chan []byte, 1)

	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	cancelFn := func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}
	return id, ch, cancelFn
}

// Publish delivers payload to every subscriber of topic. The worker pool
// uses this to hand a parsed command (with its correlation ID embedded in
// the payload by the caller) to whatever executes it.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.subsMu.RLock()
	subs := append([]func(string, []byte){}, b.subscribers[topic]...)
	b.subsMu.RUnlock()

	for _, fn := range subs {
		fn(topic, payload)
	}
	return nil
}

// Subscribe registers fn to be invoked for every Publish on topic.
// Satellite device handlers and tool executors use this to receive
// dispatched commands.
func (b *Bus) Subscribe(topic string, fn func(topic string, payload []byte)) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], fn)
}

// Reply delivers payload to the pending Await call registered under
// requestID, if one still exists. Unknown or already-cancelled IDs are a
// silent no-op, since the awaiting worker may have already timed out.
func (b *Bus) Reply(requestID string, payload []byte) {
	b.mu.Lock()
	ch, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()

	if ok {
		ch <- payload
	}
}

// Await blocks until a reply for requestID arrives or ctx is done,
// whichever comes first (spec §4.7 step 4: "awaits a reply within a
// timeout" — the only explicit timeout in the core per §5).
func Await(ctx context.Context, reply <-chan []byte) ([]byte, error) {
	select {
	case payload := <-reply:
		return payload, nil
	case <-ctx.Done():
		return nil, ErrAwaitTimeout
	}
}
