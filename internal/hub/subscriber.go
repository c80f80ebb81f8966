package hub

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/publicbridge/alertcore/internal/broker/messages"
)

// ErrSubscriberOverflow is the close reason when a slow consumer's queue
// fills up with events that all outrank the incoming one. Dropping any of
// them would lose something more important than what arrived, so the
// subscriber is cut off instead.
var ErrSubscriberOverflow = errors.New("subscriber queue overflow")

// ErrSubscriberClosed is returned from Next after Close or after the
// heartbeat reaper removed the subscriber.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber is one live-feed consumer with its own bounded FIFO queue.
// Events the hub accepts for a subscriber are delivered in arrival order;
// the priority policy only decides what gets dropped under pressure,
// never the order of what survives.
type Subscriber struct {
	id     uint64
	filter Filter

	mu       sync.Mutex
	queue    []*messages.ReportEvent
	closed   bool
	closeErr error

	notify   chan struct{}
	lastSeen time.Time

	onClose func(id uint64)
}

func (s *Subscriber) ID() uint64 { return s.id }

// Touch records a consumer heartbeat so the reaper keeps the
// subscription alive.
func (s *Subscriber) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	s.mu.Unlock()
}

// Next blocks until an event is available, the subscriber is closed, or
// ctx is done.
func (s *Subscriber) Next(ctx context.Context) (*messages.ReportEvent, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			err := s.closeErr
			s.mu.Unlock()
			if err == nil {
				err = ErrSubscriberClosed
			}
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the subscriber from the hub. Pending events remain
// readable until the queue drains.
func (s *Subscriber) Close() {
	s.closeWith(nil)
}

func (s *Subscriber) closeWith(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = reason
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose(s.id)
	}
	s.wake()
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// offer enqueues ev, applying the drop policy when the queue is full:
// the oldest event of strictly lower priority than ev is evicted; if
// every queued event ranks at least as high, the subscriber is closed
// with ErrSubscriberOverflow.
func (s *Subscriber) offer(ev *messages.ReportEvent, maxQueue int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= maxQueue {
		dropped := false
		p := eventPriority(ev)
		for i, queued := range s.queue {
			if eventPriority(queued) < p {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			s.mu.Unlock()
			s.closeWith(ErrSubscriberOverflow)
			return
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscriber) idleSince(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen) > timeout
}

// eventPriority ranks event types for the drop policy. Status changes
// outrank dispatch notices, which outrank raw report creations.
func eventPriority(ev *messages.ReportEvent) int {
	switch ev.Type {
	case messages.TypeStatusChanged:
		return 2
	case messages.TypeDispatchAssigned:
		return 1
	default:
		return 0
	}
}
