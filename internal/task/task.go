// Package task defines the collection-task contract and the name-keyed registry
// the orchestrator runs from.
package task

import (
	"context"
	"sort"
	"sync"

	"sports-ingest/internal/model"
)

// Task is one pluggable unit that retrieves records from a single external source.
type Task interface {
	// Name uniquely identifies the task in the registry, routing table and reports.
	Name() string
	// Collect fetches and normalizes one batch of records.
	Collect(ctx context.Context) ([]model.Record, error)
}

// Initializer is implemented by tasks that need setup before the first Collect.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Cleaner is implemented by tasks that hold resources to release at shutdown.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Func adapts a function into a Task.
type Func struct {
	TaskName string
	Fn       func(ctx context.Context) ([]model.Record, error)
}

func (f Func) Name() string { return f.TaskName }

func (f Func) Collect(ctx context.Context) ([]model.Record, error) { return f.Fn(ctx) }

// Registry holds tasks by name. Registering an existing name replaces it.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register stores t under its name and reports whether an earlier task was replaced.
func (r *Registry) Register(t Task) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced = r.tasks[t.Name()]
	r.tasks[t.Name()] = t
	return replaced
}

// Get looks a task up by name.
func (r *Registry) Get(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
