package engine

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/acme/expediente/model"
)

// firstMemoryKey mimics the key range of a single-partition Zeebe broker.
const firstMemoryKey int64 = 2251799813685249

// MemoryEngine is an in-process engine for development and tests. It knows a
// fixed set of process ids, hands out strictly increasing keys and keeps
// every started instance.
type MemoryEngine struct {
	nextKey atomic.Int64
	calls   atomic.Int64

	mu        sync.RWMutex
	processes map[string]int32
	instances map[model.InstanceKey]MemoryInstance
	failWith  error
}

// MemoryInstance is an instance started on a MemoryEngine.
type MemoryInstance struct {
	BpmnProcessID string
	Key           model.InstanceKey
	Variables     map[string]any
}

// NewMemoryEngine creates an engine that knows the given process ids.
func NewMemoryEngine(processIDs ...string) *MemoryEngine {
	e := &MemoryEngine{
		processes: make(map[string]int32, len(processIDs)),
		instances: make(map[model.InstanceKey]MemoryInstance),
	}
	e.nextKey.Store(firstMemoryKey - 1)
	for _, id := range processIDs {
		e.processes[id] = 1
	}
	return e
}

// Name implements Engine.
func (e *MemoryEngine) Name() string { return DriverMemory }

// FailWith makes every following call return err. A nil err restores normal
// behavior.
func (e *MemoryEngine) FailWith(err error) {
	e.mu.Lock()
	e.failWith = err
	e.mu.Unlock()
}

// StartCalls returns how many start calls reached the engine.
func (e *MemoryEngine) StartCalls() int {
	return int(e.calls.Load())
}

// Instance returns a started instance by key.
func (e *MemoryEngine) Instance(key model.InstanceKey) (MemoryInstance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[key]
	return inst, ok
}

// StartProcessInstance implements model.ProcessEngine.
func (e *MemoryEngine) StartProcessInstance(ctx context.Context, processID string, variables map[string]any) (model.ProcessInstanceResult, error) {
	e.calls.Add(1)

	if err := ctx.Err(); err != nil {
		return model.ProcessInstanceResult{}, model.NewEngineTimeoutError()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failWith != nil {
		return model.ProcessInstanceResult{}, e.failWith
	}
	version, ok := e.processes[processID]
	if !ok {
		return model.ProcessInstanceResult{}, model.NewProcessNotFoundError(processID)
	}

	key := keyOf(e.nextKey.Add(1))
	e.instances[key] = MemoryInstance{
		BpmnProcessID: processID,
		Key:           key,
		Variables:     maps.Clone(variables),
	}

	return model.ProcessInstanceResult{
		BpmnProcessID:        processID,
		ProcessInstanceKey:   key,
		ProcessDefinitionKey: definitionKey(processID, version),
		Version:              version,
	}, nil
}

// DeployProcess registers name as a process id, bumping its version when it
// is already known.
func (e *MemoryEngine) DeployProcess(ctx context.Context, name string) (model.DeploymentResult, error) {
	if err := ctx.Err(); err != nil {
		return model.DeploymentResult{}, model.NewEngineTimeoutError()
	}
	id := strings.TrimSuffix(name, ".bpmn")
	if id == "" || strings.ContainsAny(id, `/\`) {
		return model.DeploymentResult{}, model.NewBadRequestError("invalid process resource name")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failWith != nil {
		return model.DeploymentResult{}, e.failWith
	}
	e.processes[id]++
	version := e.processes[id]

	return model.DeploymentResult{
		Key: keyOf(e.nextKey.Add(1)),
		Processes: []model.DeployedProcess{{
			BpmnProcessID:        id,
			Version:              version,
			ProcessDefinitionKey: definitionKey(id, version),
			ResourceName:         id + ".bpmn",
		}},
	}, nil
}

// HealthCheck implements Engine.
func (e *MemoryEngine) HealthCheck(context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.failWith
}

// Close implements Engine.
func (e *MemoryEngine) Close() error { return nil }

func definitionKey(processID string, version int32) model.InstanceKey {
	return model.InstanceKey(fmt.Sprintf("%s:%d", processID, version))
}
