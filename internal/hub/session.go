package hub

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Session is one live subscriber connection. Events are buffered in a bounded
// queue; when the queue is full the oldest undelivered event is dropped.
type Session struct {
	id    string
	queue chan Event
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

func newSession(queueSize int) *Session {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Session{
		id:    uuid.NewString(),
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events yields queued events in publish order.
func (s *Session) Events() <-chan Event { return s.queue }

// Done is closed once the session has been disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

// Dropped returns how many events were discarded because the queue was full.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// enqueue never blocks. Returns false when the session is already closed.
func (s *Session) enqueue(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	for {
		select {
		case s.queue <- evt:
			return true
		default:
		}
		// Full: discard the oldest and retry. The consumer may have drained
		// the queue in between, so the receive is non-blocking too.
		select {
		case <-s.queue:
			s.dropped++
			log.WithFields(log.Fields{
				"session_id": s.id,
				"event":      evt.Name,
				"dropped":    s.dropped,
			}).Debug("Session queue full, dropped oldest event")
		default:
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
