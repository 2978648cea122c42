package engine

import (
	"context"
	"testing"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acme/expediente/internal/config"
	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/model"
)

func TestNew_memoryDriver(t *testing.T) {
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	e, err := New(context.Background(), config.EngineConfig{
		Driver: DriverMemory,
		Memory: config.MemoryConfig{Processes: []string{"recepcion-documento"}},
	}, zap.NewNop(), metrics)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, e.Name())

	_, err = e.StartProcessInstance(context.Background(), "recepcion-documento", nil)
	require.NoError(t, err)
	_, err = e.StartProcessInstance(context.Background(), "desconocido", nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EngineRequestsTotal.WithLabelValues("memory", "start", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EngineRequestsTotal.WithLabelValues("memory", "start", model.ErrProcessNotFound)))

	_, isZeebe := ZeebeClientOf(e)
	assert.False(t, isZeebe)
}

func TestNew_restDriver(t *testing.T) {
	e, err := New(context.Background(), config.EngineConfig{
		Driver: DriverRest,
		Rest:   config.RestConfig{BaseURL: "http://localhost:8080/engine-rest", Timeout: time.Second},
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, DriverRest, e.Name())
	_, ok := unwrap(e).(*RestEngine)
	assert.True(t, ok)
}

func TestNew_unknownDriver(t *testing.T) {
	_, err := New(context.Background(), config.EngineConfig{Driver: "activiti"}, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestResourcePath(t *testing.T) {
	path, err := resourcePath("testdata", "recepcion-documento")
	require.NoError(t, err)
	assert.Equal(t, "testdata/recepcion-documento.bpmn", path)

	path, err = resourcePath("testdata", "recepcion-documento.bpmn")
	require.NoError(t, err)
	assert.Equal(t, "testdata/recepcion-documento.bpmn", path)

	for _, bad := range []string{"", ".", "..", "../x", "a/b"} {
		_, err := resourcePath("testdata", bad)
		assert.True(t, model.IsCode(err, model.ErrBadRequest), "name %q: got %v", bad, err)
	}

	_, err = resourcePath("testdata", "missing")
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestInstanceFromZeebe(t *testing.T) {
	got := instanceFromZeebe(&pb.CreateProcessInstanceResponse{
		ProcessDefinitionKey: 2251799813685250,
		BpmnProcessId:        "recepcion-documento",
		Version:              3,
		ProcessInstanceKey:   2251799813685299,
	})

	assert.Equal(t, model.ProcessInstanceResult{
		BpmnProcessID:        "recepcion-documento",
		ProcessInstanceKey:   "2251799813685299",
		ProcessDefinitionKey: "2251799813685250",
		Version:              3,
	}, got)
}

func TestDeploymentFromZeebe(t *testing.T) {
	got := deploymentFromZeebe(&pb.DeployResourceResponse{
		Key: 42,
		Deployments: []*pb.Deployment{
			{Metadata: &pb.Deployment_Process{Process: &pb.ProcessMetadata{
				BpmnProcessId:        "recepcion-documento",
				Version:              2,
				ProcessDefinitionKey: 77,
				ResourceName:         "recepcion-documento.bpmn",
			}}},
			{Metadata: &pb.Deployment_Decision{Decision: &pb.DecisionMetadata{DmnDecisionId: "d"}}},
		},
	})

	assert.Equal(t, model.InstanceKey("42"), got.Key)
	require.Len(t, got.Processes, 1)
	assert.Equal(t, "recepcion-documento", got.Processes[0].BpmnProcessID)
	assert.Equal(t, model.InstanceKey("77"), got.Processes[0].ProcessDefinitionKey)
}
