package sessions

import (
	"context"
	"errors"
	"sync"

	"github.com/mcpwire/mcpwire/internal/jsonrpc"
)

var (
	// ErrQueueClosed is returned once the owning session has been removed.
	ErrQueueClosed = errors.New("notification queue closed")
	// ErrPushActive is returned when a second push connection tries to
	// attach while one is already registered for the session.
	ErrPushActive = errors.New("push connection already active")
)

// Notification is one queued out-of-band message. IDs are assigned from a
// per-session counter starting at 1, strictly increasing, and double as the
// event ids on the push stream so clients can acknowledge delivery on
// reconnect.
type Notification struct {
	ID      uint64
	Payload jsonrpc.Message
}

// NotificationQueue buffers server-initiated messages for one session until
// a poll drains them or a push subscriber acknowledges them. Items stay
// queued across push-connection loss: nothing is dropped until the client
// has provably received it.
type NotificationQueue struct {
	mu     sync.Mutex
	nextID uint64
	items  []Notification
	wake   chan struct{}
	subbed bool
	closed bool
}

func newNotificationQueue() *NotificationQueue {
	return &NotificationQueue{
		nextID: 1,
		wake:   make(chan struct{}),
	}
}

// Enqueue appends a message and returns its event id.
func (q *NotificationQueue) Enqueue(payload jsonrpc.Message) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	id := q.nextID
	q.nextID++
	q.items = append(q.items, Notification{ID: id, Payload: payload})
	q.broadcastLocked()
	return id, nil
}

// Len reports the number of undelivered notifications.
func (q *NotificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns everything pending, in enqueue order. This is
// the poll-style consumption path.
func (q *NotificationQueue) Drain() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Subscribe registers the session's single push consumer. Items the client
// already acknowledged (event id <= lastEventID) are discarded; everything
// else is replayed through Next in enqueue order before new arrivals.
func (q *NotificationQueue) Subscribe(lastEventID uint64) (*Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if q.subbed {
		return nil, ErrPushActive
	}
	q.subbed = true
	q.ackLocked(lastEventID)
	return &Subscription{q: q}, nil
}

// Subscription is a pull handle over the queue for one push connection.
type Subscription struct {
	q    *NotificationQueue
	done bool
}

// Next blocks until a notification is available, the context ends, or the
// queue closes. The returned item remains queued until Ack confirms the
// write reached the client, so a connection that dies mid-write loses
// nothing.
func (s *Subscription) Next(ctx context.Context) (Notification, error) {
	for {
		s.q.mu.Lock()
		if s.q.closed {
			s.q.mu.Unlock()
			return Notification{}, ErrQueueClosed
		}
		if len(s.q.items) > 0 {
			n := s.q.items[0]
			s.q.mu.Unlock()
			return n, nil
		}
		wake := s.q.wake
		s.q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-wake:
		}
	}
}

// Ack confirms delivery up to and including the given event id, popping the
// acknowledged items.
func (s *Subscription) Ack(id uint64) {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	s.q.ackLocked(id)
}

// Close releases the push slot so a reconnecting client can attach. Pending
// items survive.
func (s *Subscription) Close() {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.q.subbed = false
}

// Close shuts the queue down for good; blocked subscribers unblock with
// ErrQueueClosed and pending items are discarded.
func (q *NotificationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.broadcastLocked()
}

func (q *NotificationQueue) ackLocked(id uint64) {
	for len(q.items) > 0 && q.items[0].ID <= id {
		q.items = q.items[1:]
	}
}

func (q *NotificationQueue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
