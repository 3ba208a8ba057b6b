package hub

import (
	"context"
	"sync"
)

// Transport delivers events to one subscriber, e.g. a WebSocket connection.
// Send is only ever called from the session's Run goroutine.
type Transport interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// State is the lifecycle stage of a session.
type State int

const (
	StateCreated State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one subscriber's connection lifetime:
// created -> active (after Subscribe) -> closed.
type Session struct {
	id        uint64
	hub       *Hub
	transport Transport
	queue     chan Event
	done      chan struct{}

	// dropOldest makes a full queue discard its oldest event instead of
	// getting the session dropped.
	dropOldest bool

	mu    sync.Mutex
	state State

	closeOnce sync.Once
	closeErr  error
}

// SessionOption configures a session created by Hub.NewSession.
type SessionOption func(*Session)

// DropOldest keeps a session registered when its queue is full by discarding
// the oldest queued event. Use it for sinks that must outlive slow periods,
// such as a broker mirror.
func DropOldest() SessionOption {
	return func(s *Session) { s.dropOldest = true }
}

func newSession(id uint64, h *Hub, t Transport, buffer int, opts ...SessionOption) *Session {
	if buffer < 1 {
		buffer = 1
	}
	s := &Session{
		id:        id,
		hub:       h,
		transport: t,
		queue:     make(chan Event, buffer),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() uint64 { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drains queued events to the transport until the session is closed or
// ctx is cancelled. A transport error closes the session and is returned.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			_ = s.Close()
			return nil
		case ev := <-s.queue:
			// Closing may race with a pending event; closed sessions get nothing more.
			select {
			case <-s.done:
				return nil
			default:
			}
			if err := s.transport.Send(ctx, ev); err != nil {
				s.hub.metrics.SessionsDropped.WithLabelValues("transport").Inc()
				s.hub.logger.Info("session transport failed", "session_id", s.id, "error", err)
				_ = s.Close()
				return err
			}
		}
	}
}

// Close unregisters the session from the hub, then closes its transport.
// It is safe to call more than once and from any goroutine.
func (s *Session) Close() error {
	s.hub.Unsubscribe(s)
	return s.terminate()
}

func (s *Session) activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return false
	}
	s.state = StateActive
	return true
}

// enqueue offers ev without blocking. It reports false when the session is
// closed, or when the queue is full and the session does not drop old events.
// Callers hold the hub lock, so enqueue is the queue's only producer.
func (s *Session) enqueue(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	for {
		select {
		case s.queue <- ev:
			return true
		default:
		}
		if !s.dropOldest {
			return false
		}
		select {
		case <-s.queue:
			s.hub.metrics.EventsShed.Inc()
		default:
		}
	}
}

// terminate closes the session without touching hub membership; callers
// either hold no registration or have already removed it.
func (s *Session) terminate() error {
	s.closeOnce.Do(func() {
		s.markClosed()
		s.closeErr = s.transport.Close()
	})
	return s.closeErr
}

// abandon closes the session at once and releases the transport in the
// background. A stalled peer can block a transport close for its whole write
// deadline, and abandon runs on the publisher's goroutine.
func (s *Session) abandon() {
	s.closeOnce.Do(func() {
		s.markClosed()
		go func() {
			if err := s.transport.Close(); err != nil {
				s.hub.logger.Debug("close dropped session transport", "session_id", s.id, "error", err)
			}
		}()
	})
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	close(s.done)
}
