// Package worker runs the service tasks of the BPMN processes deployed by
// this service. Handlers are registered per job type and bound to the
// workflow engine's job activation API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Job is an activated service task.
type Job struct {
	Key       int64
	Type      string
	Retries   int32
	Variables map[string]any
}

// Handler executes one job type. The returned variables are merged into the
// process instance when the job completes.
type Handler interface {
	Handle(ctx context.Context, job Job) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) (map[string]any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job Job) (map[string]any, error) {
	return f(ctx, job)
}

// BPMNError is a business error thrown back to the process, where a boundary
// event catches it by code.
type BPMNError struct {
	Code    string
	Message string
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("bpmn error %s: %s", e.Code, e.Message)
}

// NewBPMNError returns a BPMNError.
func NewBPMNError(code, message string) *BPMNError {
	return &BPMNError{Code: code, Message: message}
}

// Registry maps job types to handlers. It is safe for concurrent use after
// initial registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for jobType. Panics if the type is already taken,
// since this indicates a wiring mistake at startup.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("worker: handler for job type %q already registered", jobType))
	}
	r.handlers[jobType] = h
}

// Get returns the handler for jobType.
func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Action is what the engine is told after a job ran.
type Action int

const (
	ActionComplete Action = iota
	ActionThrow
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "completed"
	case ActionThrow:
		return "bpmn_error"
	default:
		return "failed"
	}
}

// Outcome is the result of dispatching a job.
type Outcome struct {
	Action    Action
	Variables map[string]any
	ErrorCode string
	Message   string
	Retries   int32
}

// Dispatch runs the handler registered for job.Type. A BPMNError becomes a
// thrown error; any other error fails the job with one retry less.
func (r *Registry) Dispatch(ctx context.Context, job Job) Outcome {
	h, ok := r.Get(job.Type)
	if !ok {
		return failed(job, fmt.Errorf("no handler for job type %q", job.Type))
	}

	vars, err := h.Handle(ctx, job)
	if err == nil {
		return Outcome{Action: ActionComplete, Variables: vars}
	}

	var bpmnErr *BPMNError
	if errors.As(err, &bpmnErr) {
		return Outcome{Action: ActionThrow, ErrorCode: bpmnErr.Code, Message: bpmnErr.Message}
	}
	return failed(job, err)
}

func failed(job Job, err error) Outcome {
	retries := job.Retries - 1
	if retries < 0 {
		retries = 0
	}
	return Outcome{Action: ActionFail, Message: err.Error(), Retries: retries}
}
