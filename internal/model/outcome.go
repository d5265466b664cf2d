package model

import (
	"sort"
	"time"
)

// OutcomeStatus classifies a single task execution.
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusNoData  OutcomeStatus = "no_data"
	StatusError   OutcomeStatus = "error"
)

// JobOutcome is the immutable result of one task within one orchestration run.
type JobOutcome struct {
	Task      string        `json:"task"`
	Status    OutcomeStatus `json:"status"`
	Items     int           `json:"items,omitempty"`
	Persisted int           `json:"persisted,omitempty"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Success creates a success outcome.
func Success(task string, items, persisted int, d time.Duration) JobOutcome {
	return JobOutcome{Task: task, Status: StatusSuccess, Items: items, Persisted: persisted, Duration: d}
}

// NoData creates a no_data outcome.
func NoData(task string, d time.Duration) JobOutcome {
	return JobOutcome{Task: task, Status: StatusNoData, Duration: d}
}

// Failure creates an error outcome.
func Failure(task string, err error, d time.Duration) JobOutcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return JobOutcome{Task: task, Status: StatusError, Error: msg, Duration: d}
}

// RunReport aggregates the outcomes of one orchestration run.
type RunReport struct {
	RunID      string                `json:"run_id"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Outcomes   map[string]JobOutcome `json:"outcomes"`
	Unknown    []string              `json:"unknown,omitempty"`
}

// Failed returns the names of tasks that ended with an error, sorted.
func (r *RunReport) Failed() []string {
	var out []string
	for name, o := range r.Outcomes {
		if o.Status == StatusError {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Count returns how many outcomes have the given status.
func (r *RunReport) Count(status OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}
