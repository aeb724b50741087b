package bus

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by bus operations.
var (
	// ErrClosed indicates the bus has been shut down.
	ErrClosed = errors.New("bus is closed")
	// ErrUnknownParticipant indicates no inbox is registered for the address.
	ErrUnknownParticipant = errors.New("unknown participant")
	// ErrInboxFull indicates the addressed participant's inbox is full.
	ErrInboxFull = errors.New("participant inbox is full")
	// ErrQueueFull indicates the work queue cannot take another message.
	ErrQueueFull = errors.New("work queue is full")
	// ErrNoPending indicates no request is waiting for the correlation ID.
	ErrNoPending = errors.New("no pending request for correlation id")
	// ErrReplyTimeout indicates a request saw no reply within its deadline.
	ErrReplyTimeout = errors.New("timed out waiting for reply")
)

// broadcastGrace is how long a full subscriber gets to drain before a
// broadcast message is dropped for it.
const broadcastGrace = 100 * time.Millisecond

// Bus is the in-process message fabric. All four delivery modes share
// one buffer size, set at construction.
type Bus struct {
	mu      sync.Mutex
	subs    []chan Message
	inboxes map[string]chan Message
	queue   chan Message
	pending map[string]chan Message
	buffer  int
	closed  bool

	dropped  atomic.Uint64
	debugLog func(format string, args ...interface{})
}

// New creates a bus whose channels buffer up to bufferSize messages.
// Sizes below one fall back to 100.
func New(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 100
	}
	return &Bus{
		inboxes:  make(map[string]chan Message),
		queue:    make(chan Message, bufferSize),
		pending:  make(map[string]chan Message),
		buffer:   bufferSize,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (b *Bus) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		b.debugLog = fn
	}
}

// Subscribe adds a broadcast listener and returns its channel. Every
// broadcast message is delivered to every subscriber that can take it.
func (b *Bus) Subscribe() <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes a broadcast listener and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Broadcast delivers a message to all subscribers. A subscriber that
// stays full past a short grace period misses the message; drops are
// counted rather than blocking the sender indefinitely.
func (b *Bus) Broadcast(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- msg:
			continue
		default:
		}

		select {
		case sub <- msg:
		case <-time.After(broadcastGrace):
			count := b.dropped.Add(1)
			if count%10 == 1 { // log every 10th drop to avoid spam
				log.Printf("[bus] WARNING: subscriber full, dropped message (total dropped: %d): kind=%s", count, msg.Kind)
			}
		}
	}
}

// DroppedCount returns how many broadcast deliveries have been dropped.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}

// Register creates a direct-delivery inbox for a participant and returns
// it. Registering an existing participant returns the existing inbox.
func (b *Bus) Register(participantID string) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.inboxes[participantID]; ok {
		return ch
	}
	ch := make(chan Message, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.inboxes[participantID] = ch
	return ch
}

// Deregister removes a participant's inbox and closes it.
func (b *Bus) Deregister(participantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.inboxes[participantID]; ok {
		delete(b.inboxes, participantID)
		close(ch)
	}
}

// Send delivers a message to exactly one participant's inbox. The send
// happens under the bus lock so a concurrent Deregister cannot close the
// inbox mid-delivery.
func (b *Bus) Send(participantID string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	ch, ok := b.inboxes[participantID]
	if !ok {
		return ErrUnknownParticipant
	}
	select {
	case ch <- msg:
		return nil
	default:
		return ErrInboxFull
	}
}

// Request sends a message to a participant and blocks until a correlated
// reply arrives, the timeout elapses, or the context is canceled. The
// message's correlation ID is assigned here; the responder must echo it
// via Reply.
func (b *Bus) Request(ctx context.Context, participantID string, msg Message, timeout time.Duration) (Message, error) {
	corrID := uuid.New().String()[:8]
	msg.CorrelationID = corrID
	replyCh := make(chan Message, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrClosed
	}
	b.pending[corrID] = replyCh
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, corrID)
		b.mu.Unlock()
	}()

	if err := b.Send(participantID, msg); err != nil {
		return Message{}, err
	}
	b.debugLog("[bus] request %s to %s awaiting reply (timeout %s)", corrID, participantID, timeout)

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return Message{}, ErrReplyTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Reply completes a pending request. The correlation ID must match the
// one carried by the request message; a second reply to the same request
// fails with ErrNoPending.
func (b *Bus) Reply(correlationID string, msg Message) error {
	b.mu.Lock()
	ch, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
	}
	b.mu.Unlock()

	if !ok {
		return ErrNoPending
	}
	msg.CorrelationID = correlationID
	ch <- msg
	return nil
}

// Enqueue places a message on the work queue, where exactly one consumer
// will receive it.
func (b *Bus) Enqueue(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	select {
	case b.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Consume returns the shared work-queue channel. Consumers receiving
// from it compete; each message goes to exactly one of them.
func (b *Bus) Consume() <-chan Message {
	return b.queue
}

// Close shuts down the bus: all subscriber channels, inboxes, and the
// work queue are closed, and further sends fail with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub)
	}
	b.subs = nil
	for id, ch := range b.inboxes {
		close(ch)
		delete(b.inboxes, id)
	}
	close(b.queue)
}

// newID returns a short unique message identifier.
func newID() string {
	return uuid.New().String()[:8]
}
