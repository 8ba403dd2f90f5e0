package tasks

import (
	"context"
	"sort"
	"sync"

	"coliving_app_echo/internal/models"
)

// TaskHandler runs one scheduled task and returns a result map stored in its history
type TaskHandler func(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error)

// Definition is a named task implementation
type Definition interface {
	TaskID() string
	HandleExecution(ctx context.Context, task models.ScheduledTask) (map[string]interface{}, error)
}

// Registry stores the mapping of task names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{handlers: make(map[string]TaskHandler)}
	for _, d := range defs {
		r.RegisterDefinition(d)
	}
	return r
}

// Register adds a handler for a task name
func (r *Registry) Register(name string, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

func (r *Registry) RegisterDefinition(d Definition) {
	r.Register(d.TaskID(), d.HandleExecution)
}

// Get retrieves a handler for a task name
func (r *Registry) Get(name string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
