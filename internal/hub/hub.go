// Package hub fans committed reports out to live subscription sessions.
//
// The hub owns two pieces of shared state: the set of registered sessions and
// the most recent report. Both are guarded by a single mutex so that a
// Subscribe racing a Publish either sees the new report in the cache or
// receives it as a push, never neither.
//
// Publish never blocks on a subscriber. Each session owns a bounded FIFO
// queue; Publish enqueues inside the critical section, which fixes the
// per-session delivery order to the publish order. A session whose queue is
// full is considered too slow and is dropped, unless it was created with
// DropOldest, in which case its oldest queued event is discarded instead.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/couchcryptid/crop-report-service/internal/domain"
	"github.com/couchcryptid/crop-report-service/internal/observability"
	"github.com/hashicorp/go-multierror"
)

// EventReportUpdate is the event type pushed for every published report.
const EventReportUpdate = "drone-update"

// ErrClosed is returned when subscribing to a closed hub or with a closed session.
var ErrClosed = errors.New("hub: closed")

// Event is the message delivered to subscribers. Data uses the report's
// external JSON shape.
type Event struct {
	Type string        `json:"type"`
	Data domain.Report `json:"data"`
}

func newEvent(r domain.Report) Event {
	return Event{Type: EventReportUpdate, Data: r}
}

// LatestSource provides the most recent committed report, typically the ledger.
type LatestSource interface {
	Latest(ctx context.Context) (domain.Report, error)
}

// Hub tracks live sessions and the most recently published report.
type Hub struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	latest   *domain.Report
	closed   bool

	nextID  uint64
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates an empty hub.
func New(logger *slog.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
		logger:   logger,
		metrics:  metrics,
	}
}

// Warm seeds the latest-report cache from src without pushing to anyone, so
// viewers connecting after a restart still get the last report.
func (h *Hub) Warm(ctx context.Context, src LatestSource) error {
	r, err := src.Latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.advanceLocked(r)
	return nil
}

// Subscribe registers s and, if a report has been published, pushes it to s
// alone so a new viewer is never left blank.
func (h *Hub) Subscribe(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || !s.activate() {
		return ErrClosed
	}
	h.sessions[s] = struct{}{}
	h.metrics.Subscribers.Set(float64(len(h.sessions)))

	if h.latest != nil {
		s.enqueue(newEvent(*h.latest)) // fresh queue, capacity >= 1
	}
	h.logger.Debug("session subscribed", "session_id", s.id, "subscribers", len(h.sessions))
	return nil
}

// Unsubscribe removes s. Removing a session that is not registered is a no-op.
func (h *Hub) Unsubscribe(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	h.metrics.Subscribers.Set(float64(len(h.sessions)))
	h.logger.Debug("session unsubscribed", "session_id", s.id, "subscribers", len(h.sessions))
}

// Publish records r as the latest report (if it orders after the cached one)
// and enqueues it to every registered session. Sessions that cannot accept
// the push are unregistered; Publish itself never fails.
func (h *Hub) Publish(r domain.Report) {
	ev := newEvent(r)

	h.mu.Lock()
	h.advanceLocked(r)

	var dropped []*Session
	for s := range h.sessions {
		if !s.enqueue(ev) {
			h.dropLocked(s, "slow")
			dropped = append(dropped, s)
		}
	}
	delivered := len(h.sessions)
	h.mu.Unlock()

	h.metrics.EventsPublished.Inc()
	for _, s := range dropped {
		h.logger.Warn("dropping session that fell behind", "session_id", s.id, "report_id", r.ID)
		s.abandon()
	}
	h.logger.Debug("report published", "report_id", r.ID, "sessions", delivered)
}

// Latest returns the cached most recent report.
func (h *Hub) Latest() (domain.Report, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return domain.Report{}, false
	}
	return *h.latest, true
}

// Len returns the number of registered sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close rejects further subscriptions and terminates every registered session.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	clear(h.sessions)
	h.metrics.Subscribers.Set(0)
	h.mu.Unlock()

	var result *multierror.Error
	for _, s := range sessions {
		if err := s.terminate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	h.logger.Info("hub closed", "sessions", len(sessions))
	return result.ErrorOrNil()
}

// NewSession creates a session that delivers to t through a queue of the
// given capacity. The session is inactive until passed to Subscribe.
func (h *Hub) NewSession(t Transport, buffer int, opts ...SessionOption) *Session {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()
	return newSession(id, h, t, buffer, opts...)
}

// advanceLocked replaces the cache unless it already holds a later report.
func (h *Hub) advanceLocked(r domain.Report) {
	if h.latest != nil && h.latest.After(r) {
		return
	}
	h.latest = &r
}

func (h *Hub) dropLocked(s *Session, reason string) {
	delete(h.sessions, s)
	h.metrics.Subscribers.Set(float64(len(h.sessions)))
	h.metrics.SessionsDropped.WithLabelValues(reason).Inc()
}
