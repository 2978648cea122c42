package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/expediente/model"
)

func TestMemoryEngine_StartProcessInstance(t *testing.T) {
	e := NewMemoryEngine("recepcion-documento")
	vars := map[string]any{"persona": "Juan", "fileId": "doc-1"}

	result, err := e.StartProcessInstance(context.Background(), "recepcion-documento", vars)
	require.NoError(t, err)

	assert.Equal(t, "recepcion-documento", result.BpmnProcessID)
	n, ok := result.ProcessInstanceKey.Int64()
	require.True(t, ok, "memory keys are numeric")
	assert.Equal(t, firstMemoryKey, n)
	assert.Equal(t, 1, e.StartCalls())

	inst, ok := e.Instance(result.ProcessInstanceKey)
	require.True(t, ok)
	assert.Equal(t, vars, inst.Variables)

	vars["persona"] = "changed"
	inst, _ = e.Instance(result.ProcessInstanceKey)
	assert.Equal(t, "Juan", inst.Variables["persona"], "engine keeps its own copy of the variables")
}

func TestMemoryEngine_unknownProcess(t *testing.T) {
	e := NewMemoryEngine("recepcion-documento")

	_, err := e.StartProcessInstance(context.Background(), "otro-proceso", nil)
	assert.True(t, model.IsCode(err, model.ErrProcessNotFound), "got %v", err)
	assert.Equal(t, 1, e.StartCalls())
}

func TestMemoryEngine_keysStrictlyIncreaseUnderConcurrency(t *testing.T) {
	e := NewMemoryEngine("p")

	const n = 50
	keys := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := e.StartProcessInstance(context.Background(), "p", nil)
			assert.NoError(t, err)
			keys[i], _ = r.ProcessInstanceKey.Int64()
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, k := range keys {
		assert.False(t, seen[k], "duplicate key %d", k)
		seen[k] = true
	}
	assert.Equal(t, n, e.StartCalls())
}

func TestMemoryEngine_FailWith(t *testing.T) {
	e := NewMemoryEngine("p")
	e.FailWith(model.NewEngineUnavailableError())

	_, err := e.StartProcessInstance(context.Background(), "p", nil)
	assert.True(t, model.IsCode(err, model.ErrEngineUnavailable))
	assert.Error(t, e.HealthCheck(context.Background()))

	e.FailWith(nil)
	_, err = e.StartProcessInstance(context.Background(), "p", nil)
	assert.NoError(t, err)
	assert.NoError(t, e.HealthCheck(context.Background()))
}

func TestMemoryEngine_cancelledContext(t *testing.T) {
	e := NewMemoryEngine("p")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.StartProcessInstance(ctx, "p", nil)
	assert.True(t, model.IsCode(err, model.ErrEngineTimeout))
}

func TestMemoryEngine_DeployProcess(t *testing.T) {
	e := NewMemoryEngine()

	_, err := e.StartProcessInstance(context.Background(), "nuevo", nil)
	require.True(t, model.IsCode(err, model.ErrProcessNotFound))

	dep, err := e.DeployProcess(context.Background(), "nuevo.bpmn")
	require.NoError(t, err)
	require.Len(t, dep.Processes, 1)
	assert.Equal(t, "nuevo", dep.Processes[0].BpmnProcessID)
	assert.Equal(t, int32(1), dep.Processes[0].Version)

	dep, err = e.DeployProcess(context.Background(), "nuevo")
	require.NoError(t, err)
	assert.Equal(t, int32(2), dep.Processes[0].Version)

	result, err := e.StartProcessInstance(context.Background(), "nuevo", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), result.Version)

	_, err = e.DeployProcess(context.Background(), "../x")
	assert.True(t, model.IsCode(err, model.ErrBadRequest))
}
