// Package memory provides a non-durable report ledger for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/couchcryptid/crop-report-service/internal/domain"
	"github.com/google/uuid"
)

// Ledger keeps committed reports in process memory. It orders reports the
// same way as the durable ledger but loses them on restart.
type Ledger struct {
	mu      sync.RWMutex
	reports []domain.Report
	latest  int
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{latest: -1}
}

// Append assigns an id and insertion sequence to r and records it.
func (l *Ledger) Append(ctx context.Context, r domain.Report) (domain.Report, error) {
	if err := ctx.Err(); err != nil {
		return domain.Report{}, err
	}
	if err := domain.ValidateReport(r); err != nil {
		return domain.Report{}, err
	}

	r = clone(r)
	r.Timestamp = domain.NormalizeTime(r.Timestamp)
	r.IngestedAt = domain.NormalizeTime(domain.Now())
	r.ID = uuid.NewString()

	l.mu.Lock()
	defer l.mu.Unlock()

	r.Seq = int64(len(l.reports) + 1)
	l.reports = append(l.reports, r)
	if l.latest < 0 || r.After(l.reports[l.latest]) {
		l.latest = len(l.reports) - 1
	}
	return clone(r), nil
}

// Latest returns the report with the greatest timestamp, ties going to the
// later insertion.
func (l *Ledger) Latest(ctx context.Context) (domain.Report, error) {
	if err := ctx.Err(); err != nil {
		return domain.Report{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.latest < 0 {
		return domain.Report{}, domain.ErrNotFound
	}
	return clone(l.reports[l.latest]), nil
}

// Len returns the number of committed reports.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.reports)
}

func (l *Ledger) Ping(context.Context) error { return nil }

func (l *Ledger) Close() error { return nil }

// clone copies pointer fields so stored reports cannot be changed by callers.
func clone(r domain.Report) domain.Report {
	if r.Location != nil {
		loc := *r.Location
		r.Location = &loc
	}
	r.CropDetection = cloneString(r.CropDetection)
	r.DiseaseDetection = cloneString(r.DiseaseDetection)
	r.PesticideRecommendation = cloneString(r.PesticideRecommendation)
	return r
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
