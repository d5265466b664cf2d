// Package orchestrator runs registered collection tasks with bounded concurrency
// and per-task fault isolation, and routes their records to persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sports-ingest/internal/model"
	"sports-ingest/internal/persist"
	"sports-ingest/internal/task"
)

const recordTimeout = 5 * time.Second

// Persister stores the records of one task. *persist.Router implements it.
type Persister interface {
	Persist(ctx context.Context, task string, records []model.Record) (persist.Result, error)
}

// RunRecorder saves finished run reports.
type RunRecorder interface {
	SaveRun(ctx context.Context, report *model.RunReport) error
}

// Options configures an Orchestrator.
type Options struct {
	// MaxConcurrency bounds how many tasks run at once; <= 1 runs them sequentially.
	MaxConcurrency int
	Recorder       RunRecorder
	Logger         *zap.Logger
}

type Orchestrator struct {
	registry  *task.Registry
	persister Persister
	maxConc   int
	recorder  RunRecorder
	logger    *zap.Logger

	now   func() time.Time
	newID func() string
}

// New creates an Orchestrator over registry. persister may be nil to drop records.
func New(registry *task.Registry, persister Persister, opts Options) *Orchestrator {
	if registry == nil {
		registry = task.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:  registry,
		persister: persister,
		maxConc:   opts.MaxConcurrency,
		recorder:  opts.Recorder,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Register adds t, replacing any task with the same name.
func (o *Orchestrator) Register(t task.Task) {
	if o.registry.Register(t) {
		o.logger.Warn("orchestrator: task re-registered, previous entry replaced", zap.String("task", t.Name()))
	}
}

// Tasks returns the registered task names, sorted.
func (o *Orchestrator) Tasks() []string { return o.registry.Names() }

// InitializeAll calls Initialize on every task that has it. A failing task is logged
// and reported; the others are still initialized.
func (o *Orchestrator) InitializeAll(ctx context.Context) map[string]error {
	return o.lifecycle(ctx, "initialize", func(ctx context.Context, t task.Task) error {
		if in, ok := t.(task.Initializer); ok {
			return in.Initialize(ctx)
		}
		return nil
	})
}

// CleanupAll calls Cleanup on every task that has it, with the same isolation as InitializeAll.
func (o *Orchestrator) CleanupAll(ctx context.Context) map[string]error {
	return o.lifecycle(ctx, "cleanup", func(ctx context.Context, t task.Task) error {
		if c, ok := t.(task.Cleaner); ok {
			return c.Cleanup(ctx)
		}
		return nil
	})
}

func (o *Orchestrator) lifecycle(ctx context.Context, stage string, fn func(context.Context, task.Task) error) map[string]error {
	failed := make(map[string]error)
	for _, name := range o.registry.Names() {
		t, ok := o.registry.Get(name)
		if !ok {
			continue
		}
		err := safely(func() error { return fn(ctx, t) })
		if err != nil {
			failed[name] = err
			o.logger.Error("orchestrator: task "+stage+" failed", errorFields(name, err)...)
		}
	}
	return failed
}

// Run executes the named tasks, or all registered tasks when names is nil, and
// returns one outcome per known task. Unknown names are listed in Report.Unknown.
func (o *Orchestrator) Run(ctx context.Context, names []string) *model.RunReport {
	if names == nil {
		names = o.registry.Names()
	}
	report := &model.RunReport{
		RunID:     o.newID(),
		StartedAt: o.now(),
		Outcomes:  make(map[string]model.JobOutcome, len(names)),
	}

	seen := make(map[string]bool, len(names))
	tasks := make([]task.Task, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		t, ok := o.registry.Get(name)
		if !ok {
			o.logger.Warn("orchestrator: unknown task skipped", zap.String("task", name))
			report.Unknown = append(report.Unknown, name)
			continue
		}
		tasks = append(tasks, t)
	}

	var mu sync.Mutex
	record := func(out model.JobOutcome) {
		mu.Lock()
		report.Outcomes[out.Task] = out
		mu.Unlock()
	}

	if o.maxConc <= 1 {
		for _, t := range tasks {
			record(o.runOne(ctx, t))
		}
	} else {
		var g errgroup.Group
		g.SetLimit(o.maxConc)
		for _, t := range tasks {
			t := t
			g.Go(func() error {
				record(o.runOne(ctx, t))
				return nil
			})
		}
		_ = g.Wait()
	}

	report.FinishedAt = o.now()
	o.logger.Info("orchestrator: run finished",
		zap.String("run_id", report.RunID),
		zap.Int("tasks", len(report.Outcomes)),
		zap.Int("success", report.Count(model.StatusSuccess)),
		zap.Int("no_data", report.Count(model.StatusNoData)),
		zap.Int("errors", report.Count(model.StatusError)),
		zap.Strings("unknown", report.Unknown),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	o.save(ctx, report)
	return report
}

func (o *Orchestrator) runOne(ctx context.Context, t task.Task) model.JobOutcome {
	name := t.Name()
	start := o.now()

	var records []model.Record
	err := safely(func() error {
		var err error
		records, err = t.Collect(ctx)
		return err
	})
	if err != nil {
		d := o.now().Sub(start)
		o.logger.Error("orchestrator: task failed", append(errorFields(name, err), zap.Duration("elapsed", d))...)
		return model.Failure(name, err, d)
	}
	if len(records) == 0 {
		d := o.now().Sub(start)
		o.logger.Info("orchestrator: task returned no data", zap.String("task", name))
		return model.NoData(name, d)
	}

	persisted := 0
	if o.persister != nil {
		var res persist.Result
		err := safely(func() error {
			var err error
			res, err = o.persister.Persist(ctx, name, records)
			return err
		})
		if err != nil {
			d := o.now().Sub(start)
			err = eris.Wrap(err, "persist")
			o.logger.Error("orchestrator: task persistence failed", append(errorFields(name, err), zap.Int("items", len(records)))...)
			return model.Failure(name, err, d)
		}
		persisted = res.Persisted
	}
	d := o.now().Sub(start)
	o.logger.Info("orchestrator: task succeeded",
		zap.String("task", name),
		zap.Int("items", len(records)),
		zap.Int("persisted", persisted),
		zap.Duration("elapsed", d))
	return model.Success(name, len(records), persisted, d)
}

func (o *Orchestrator) save(ctx context.Context, report *model.RunReport) {
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := o.recorder.SaveRun(ctx, report); err != nil {
		o.logger.Warn("orchestrator: failed to record run", zap.String("run_id", report.RunID), zap.Error(err))
	}
}

// PanicError is the error a recovered task panic is turned into.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// safely runs fn and turns a panic into a *PanicError.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

func errorFields(name string, err error) []zap.Field {
	fields := []zap.Field{zap.String("task", name), zap.Error(err)}
	var pe *PanicError
	if errors.As(err, &pe) {
		fields = append(fields, zap.ByteString("stack", pe.Stack))
	}
	return fields
}
