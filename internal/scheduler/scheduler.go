// Package scheduler drives independent periodic loops, each running its own subset
// of tasks through a Runner on its own cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sports-ingest/internal/model"
)

// ErrShutdownTimeout is returned by Stop when loops did not unwind before its context ended.
var ErrShutdownTimeout = errors.New("scheduler: shutdown timed out")

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("scheduler: already started")

// State is a loop's lifecycle state.
type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Runner executes a batch of tasks. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, names []string) *model.RunReport
}

// LoopConfig describes one periodic loop.
type LoopConfig struct {
	Name         string
	Interval     time.Duration
	ErrorBackoff time.Duration
	Tasks        []string
}

// LoopStatus is a point-in-time view of a loop.
type LoopStatus struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	Interval            string    `json:"interval"`
	Tasks               []string  `json:"tasks"`
	Cycles              int       `json:"cycles"`
	Failures            int       `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastRun             time.Time `json:"last_run,omitempty"`
	NextRun             time.Time `json:"next_run,omitempty"`
}

type loop struct {
	cfg LoopConfig

	mu          sync.Mutex
	state       State
	cycles      int
	failures    int
	consecutive int
	lastErr     string
	lastRun     time.Time
	nextRun     time.Time
}

func (l *loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *loop) status() LoopStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LoopStatus{
		Name:                l.cfg.Name,
		State:               l.state,
		Interval:            l.cfg.Interval.String(),
		Tasks:               append([]string(nil), l.cfg.Tasks...),
		Cycles:              l.cycles,
		Failures:            l.failures,
		ConsecutiveFailures: l.consecutive,
		LastError:           l.lastErr,
		LastRun:             l.lastRun,
		NextRun:             l.nextRun,
	}
}

// Scheduler owns the loops. Each loop keeps its own failure count and backoff.
type Scheduler struct {
	runner Runner
	logger *zap.Logger
	loops  []*loop

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Scheduler. Loops without tasks or with a non-positive interval are
// left out.
func New(runner Runner, loops []LoopConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{runner: runner, logger: logger}
	for _, cfg := range loops {
		if len(cfg.Tasks) == 0 {
			logger.Info("scheduler: loop has no tasks, not scheduled", zap.String("loop", cfg.Name))
			continue
		}
		if cfg.Interval <= 0 {
			logger.Warn("scheduler: loop has no interval, not scheduled", zap.String("loop", cfg.Name))
			continue
		}
		if cfg.ErrorBackoff <= 0 {
			cfg.ErrorBackoff = cfg.Interval
		}
		s.loops = append(s.loops, &loop{cfg: cfg, state: StateStopped})
	}
	return s
}

// Start launches every loop in its own goroutine. Each loop runs its first cycle
// immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, l := range s.loops {
		l.setState(StateRunning)
		s.wg.Add(1)
		go s.run(ctx, l)
		s.logger.Info("scheduler: loop started",
			zap.String("loop", l.cfg.Name),
			zap.Duration("interval", l.cfg.Interval),
			zap.Duration("error_backoff", l.cfg.ErrorBackoff),
			zap.Strings("tasks", l.cfg.Tasks))
	}
	return nil
}

// Stop signals every loop and waits until they finish or ctx ends. In the latter
// case it logs the loops still running and returns ErrShutdownTimeout.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	for _, l := range s.loops {
		l.mu.Lock()
		if l.state == StateRunning {
			l.state = StateStopping
		}
		l.mu.Unlock()
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler: all loops stopped")
		return nil
	case <-ctx.Done():
		var stuck []string
		for _, st := range s.Status() {
			if st.State != StateStopped {
				stuck = append(stuck, st.Name)
			}
		}
		s.logger.Error("scheduler: loops did not stop in time", zap.Strings("loops", stuck))
		return fmt.Errorf("%w: %s", ErrShutdownTimeout, strings.Join(stuck, ", "))
	}
}

// Status returns a snapshot of every loop, in configuration order.
func (s *Scheduler) Status() []LoopStatus {
	out := make([]LoopStatus, 0, len(s.loops))
	for _, l := range s.loops {
		out = append(out, l.status())
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, l *loop) {
	defer s.wg.Done()
	defer l.setState(StateStopped)
	logger := s.logger.With(zap.String("loop", l.cfg.Name))

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.cycle(ctx, l)
		wait := l.cfg.Interval

		l.mu.Lock()
		l.cycles++
		l.lastRun = time.Now()
		if err != nil {
			l.failures++
			l.consecutive++
			l.lastErr = err.Error()
			wait = l.cfg.ErrorBackoff
		} else {
			l.consecutive = 0
			l.lastErr = ""
		}
		consecutive := l.consecutive
		l.nextRun = l.lastRun.Add(wait)
		l.mu.Unlock()

		if err != nil {
			logger.Error("scheduler: loop cycle failed",
				zap.Int("consecutive_failures", consecutive),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cycle runs the loop's tasks once. A panic in the runner or any failed task fails the cycle.
func (s *Scheduler) cycle(ctx context.Context, l *loop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in loop %s: %v", l.cfg.Name, r)
		}
	}()
	report := s.runner.Run(ctx, l.cfg.Tasks)
	if report == nil {
		return nil
	}
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d tasks failed: %s", len(failed), len(report.Outcomes), strings.Join(failed, ", "))
	}
	return nil
}
