package store

import (
	"context"
	"sync"

	"sports-ingest/internal/model"
)

// RunLog keeps the most recent run reports in memory. It backs the run history when
// no database is configured.
type RunLog struct {
	mu   sync.Mutex
	max  int
	runs []*model.RunReport
}

// NewRunLog creates a RunLog holding at most max reports (100 when max <= 0).
func NewRunLog(max int) *RunLog {
	if max <= 0 {
		max = 100
	}
	return &RunLog{max: max}
}

func (l *RunLog) SaveRun(_ context.Context, report *model.RunReport) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, report)
	if over := len(l.runs) - l.max; over > 0 {
		l.runs = append([]*model.RunReport(nil), l.runs[over:]...)
	}
	return nil
}

func (l *RunLog) ListRuns(_ context.Context, limit int) ([]*model.RunReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.runs) {
		limit = len(l.runs)
	}
	out := make([]*model.RunReport, 0, limit)
	for i := len(l.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.runs[i])
	}
	return out, nil
}

func (l *RunLog) GetRun(_ context.Context, id string) (*model.RunReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.runs) - 1; i >= 0; i-- {
		if l.runs[i].RunID == id {
			return l.runs[i], nil
		}
	}
	return nil, ErrRunNotFound
}
