package process

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/expediente/internal/capability"
	"github.com/acme/expediente/internal/engine"
	"github.com/acme/expediente/internal/events"
	"github.com/acme/expediente/internal/ledger"
	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/model"
)

const recepcion = "recepcion-documento"

var recepcionVariables = map[string]any{
	"persona":       "ACME Bodega SA de CV",
	"fileId":        "4b090521-f2b3-4083-a37c-1be01eb9036c",
	"username":      "adminACME",
	"tipoDocumento": "VISA",
}

type capturePublisher struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (c *capturePublisher) Publish(_ context.Context, ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

// stubEngine returns fixed results and counts calls.
type stubEngine struct {
	mu       sync.Mutex
	calls    int
	startFn  func(ctx context.Context, id string) (model.ProcessInstanceResult, error)
	deployFn func(ctx context.Context, name string) (model.DeploymentResult, error)
}

func (s *stubEngine) StartProcessInstance(ctx context.Context, id string, _ map[string]any) (model.ProcessInstanceResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.startFn(ctx, id)
}

func (s *stubEngine) DeployProcess(ctx context.Context, name string) (model.DeploymentResult, error) {
	return s.deployFn(ctx, name)
}

type failingLedger struct{ ledger.Store }

func (failingLedger) Record(context.Context, model.ProcessInstanceRecord) error {
	return errors.New("database is down")
}

func capsFor(t *testing.T, authorities ...string) (*model.RequestContext, model.CapabilitySet) {
	t.Helper()
	resolver := capability.NewResolver(
		capability.NewPolicyEvaluator(capability.DefaultPolicy("acme.facultad", "ADMINLEGO")),
		time.Minute,
	)
	rctx := &model.RequestContext{
		SubjectID:     "sub-1",
		Username:      "adminACME",
		Authorities:   authorities,
		CorrelationID: "corr-1",
	}
	caps, err := resolver.Resolve(rctx)
	require.NoError(t, err)
	return rctx, caps
}

func TestStartProcess_recepcionDocumento(t *testing.T) {
	eng := engine.NewMemoryEngine(recepcion)
	store := ledger.NewMemoryStore()
	pub := &capturePublisher{}
	svc := NewService(eng, WithLedger(store), WithPublisher(pub, events.Factory{ApplicationName: "expediente"}))

	rctx, caps := capsFor(t, "SCOPE_acme.facultad", "ROLE_ADMINLEGO")
	ctx := model.WithRequestContext(context.Background(), rctx)

	result, err := svc.StartProcess(ctx, rctx, caps, model.StartProcessRequest{
		ProcessID: recepcion,
		Variables: recepcionVariables,
	})
	require.NoError(t, err)
	assert.Equal(t, recepcion, result.BpmnProcessID)
	assert.NotEmpty(t, result.ProcessInstanceKey)

	inst, ok := eng.Instance(result.ProcessInstanceKey)
	require.True(t, ok)
	assert.Equal(t, recepcionVariables, inst.Variables)

	rec, err := store.Get(ctx, result.ProcessInstanceKey)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", rec.SubjectID)
	assert.Equal(t, "adminACME", rec.Username)
	assert.Equal(t, "corr-1", rec.CorrelationID)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, model.EventProcessStarted, ev.EventName)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.Equal(t, string(result.ProcessInstanceKey), ev.EventBody["processInstanceKey"])
}

func TestStartProcess_resultSerializesNumericKey(t *testing.T) {
	svc := NewService(engine.NewMemoryEngine(recepcion))
	rctx, caps := capsFor(t, "SCOPE_acme.facultad")

	result, err := svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{ProcessID: recepcion})
	require.NoError(t, err)

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, recepcion, decoded["bpmnProcessId"])
	_, isNumber := decoded["processInstanceKey"].(float64)
	assert.True(t, isNumber, "processInstanceKey should be a JSON number, got %T", decoded["processInstanceKey"])
}

func TestStartProcess_eitherAuthoritySuffices(t *testing.T) {
	for _, auth := range []string{"SCOPE_acme.facultad", "ROLE_ADMINLEGO"} {
		t.Run(auth, func(t *testing.T) {
			eng := engine.NewMemoryEngine(recepcion)
			svc := NewService(eng)
			rctx, caps := capsFor(t, auth)

			_, err := svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{ProcessID: recepcion})
			require.NoError(t, err)
			assert.Equal(t, 1, eng.StartCalls())
		})
	}
}

func TestStartProcess_noAuthorities(t *testing.T) {
	eng := engine.NewMemoryEngine(recepcion)
	pub := &capturePublisher{}
	svc := NewService(eng, WithPublisher(pub, events.Factory{}))

	for _, authorities := range [][]string{nil, {"SCOPE_other"}, {"ROLE_USER"}} {
		rctx, caps := capsFor(t, authorities...)
		_, err := svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{
			ProcessID: recepcion,
			Variables: recepcionVariables,
		})
		assert.True(t, model.IsCode(err, model.ErrForbidden), "authorities %v: got %v", authorities, err)
	}
	assert.Equal(t, 0, eng.StartCalls())
	assert.Empty(t, pub.events)
}

func TestStartProcess_unauthenticated(t *testing.T) {
	eng := engine.NewMemoryEngine(recepcion)
	svc := NewService(eng)

	_, err := svc.StartProcess(context.Background(), nil, model.CapabilitySet{"*": true}, model.StartProcessRequest{ProcessID: recepcion})
	assert.True(t, model.IsCode(err, model.ErrUnauthorized))
	assert.Equal(t, 0, eng.StartCalls())
}

func TestStartProcess_validation(t *testing.T) {
	tests := []struct {
		name  string
		req   model.StartProcessRequest
		field string
	}{
		{"empty process id", model.StartProcessRequest{}, "processId"},
		{"blank process id", model.StartProcessRequest{ProcessID: "   "}, "processId"},
		{"nested variable", model.StartProcessRequest{
			ProcessID: recepcion,
			Variables: map[string]any{"doc": map[string]any{"a": 1}},
		}, "variables.doc"},
		{"list variable", model.StartProcessRequest{
			ProcessID: recepcion,
			Variables: map[string]any{"ids": []any{"a"}},
		}, "variables.ids"},
		{"empty variable name", model.StartProcessRequest{
			ProcessID: recepcion,
			Variables: map[string]any{"": "x"},
		}, "variables"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := engine.NewMemoryEngine(recepcion)
			svc := NewService(eng)
			rctx, caps := capsFor(t, "ROLE_ADMINLEGO")

			_, err := svc.StartProcess(context.Background(), rctx, caps, tt.req)
			var env *model.ErrorEnvelope
			require.ErrorAs(t, err, &env)
			assert.Equal(t, model.ErrValidationError, env.Code)
			require.NotEmpty(t, env.Details)
			assert.Equal(t, tt.field, env.Details[0].Field)
			assert.Equal(t, 0, eng.StartCalls())
		})
	}
}

func TestStartProcess_scalarVariablesAccepted(t *testing.T) {
	svc := NewService(engine.NewMemoryEngine(recepcion))
	rctx, caps := capsFor(t, "ROLE_ADMINLEGO")

	_, err := svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{
		ProcessID: recepcion,
		Variables: map[string]any{"s": "x", "n": 1.5, "b": true, "null": nil, "i": 3, "num": json.Number("7")},
	})
	assert.NoError(t, err)
}

func TestStartProcess_unknownProcess(t *testing.T) {
	svc := NewService(engine.NewMemoryEngine(recepcion))
	rctx, caps := capsFor(t, "ROLE_ADMINLEGO")

	_, err := svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{ProcessID: "nope"})
	assert.True(t, model.IsCode(err, model.ErrProcessNotFound))
}

func TestStartProcess_engineUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"classified by engine", model.NewEngineUnavailableError()},
		{"raw transport error", errors.New("dial tcp 10.0.0.1:26500: connect: connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := engine.NewMemoryEngine(recepcion)
			eng.FailWith(tt.err)
			svc := NewService(eng)
			rctx, caps := capsFor(t, "ROLE_ADMINLEGO")

			_, err := svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{ProcessID: recepcion})
			var env *model.ErrorEnvelope
			require.ErrorAs(t, err, &env)
			assert.Equal(t, model.ErrEngineUnavailable, env.Code)
			assert.NotContains(t, env.Message, "dial tcp")
			assert.Equal(t, 1, eng.StartCalls())
		})
	}
}

func TestStartProcess_timeout(t *testing.T) {
	eng := &stubEngine{startFn: func(ctx context.Context, _ string) (model.ProcessInstanceResult, error) {
		<-ctx.Done()
		return model.ProcessInstanceResult{}, ctx.Err()
	}}
	svc := NewService(eng, WithTimeout(20*time.Millisecond))
	rctx, caps := capsFor(t, "ROLE_ADMINLEGO")

	start := time.Now()
	_, err := svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{ProcessID: recepcion})
	assert.True(t, model.IsCode(err, model.ErrEngineTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStartProcess_callerCancellationDoesNotCancelEngineCall(t *testing.T) {
	eng := &stubEngine{startFn: func(ctx context.Context, id string) (model.ProcessInstanceResult, error) {
		if err := ctx.Err(); err != nil {
			return model.ProcessInstanceResult{}, err
		}
		return model.ProcessInstanceResult{BpmnProcessID: id, ProcessInstanceKey: "42"}, nil
	}}
	svc := NewService(eng)
	rctx, caps := capsFor(t, "ROLE_ADMINLEGO")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := svc.StartProcess(ctx, rctx, caps, model.StartProcessRequest{ProcessID: recepcion})
	require.NoError(t, err)
	assert.Equal(t, model.InstanceKey("42"), result.ProcessInstanceKey)
}

func TestStartProcess_missingKeyOrIDFromEngine(t *testing.T) {
	rctx, caps := capsFor(t, "ROLE_ADMINLEGO")

	eng := &stubEngine{startFn: func(context.Context, string) (model.ProcessInstanceResult, error) {
		return model.ProcessInstanceResult{ProcessInstanceKey: "7"}, nil
	}}
	result, err := NewService(eng).StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{ProcessID: recepcion})
	require.NoError(t, err)
	assert.Equal(t, recepcion, result.BpmnProcessID)

	eng = &stubEngine{startFn: func(context.Context, string) (model.ProcessInstanceResult, error) {
		return model.ProcessInstanceResult{BpmnProcessID: recepcion}, nil
	}}
	_, err = NewService(eng).StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{ProcessID: recepcion})
	assert.True(t, model.IsCode(err, model.ErrEngineUnavailable))
}

func TestStartProcess_repeatedCallsStartSeparateInstances(t *testing.T) {
	eng := engine.NewMemoryEngine(recepcion)
	svc := NewService(eng)
	rctx, caps := capsFor(t, "SCOPE_acme.facultad")
	req := model.StartProcessRequest{ProcessID: recepcion, Variables: recepcionVariables}

	first, err := svc.StartProcess(context.Background(), rctx, caps, req)
	require.NoError(t, err)
	second, err := svc.StartProcess(context.Background(), rctx, caps, req)
	require.NoError(t, err)

	assert.NotEqual(t, first.ProcessInstanceKey, second.ProcessInstanceKey)
	assert.Equal(t, 2, eng.StartCalls())
}

func TestStartProcess_concurrentStartsAreDistinct(t *testing.T) {
	eng := engine.NewMemoryEngine(recepcion)
	svc := NewService(eng, WithLedger(ledger.NewMemoryStore()))
	rctx, caps := capsFor(t, "SCOPE_acme.facultad")

	const n = 20
	keys := make(chan model.InstanceKey, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{ProcessID: recepcion})
			assert.NoError(t, err)
			keys <- res.ProcessInstanceKey
		}()
	}
	wg.Wait()
	close(keys)

	seen := map[model.InstanceKey]bool{}
	for k := range keys {
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
	}
	assert.Len(t, seen, n)
}

func TestStartProcess_sideEffectFailuresDoNotFailRequest(t *testing.T) {
	eng := engine.NewMemoryEngine(recepcion)
	pub := &capturePublisher{err: errors.New("bus down")}
	svc := NewService(eng,
		WithLedger(failingLedger{ledger.NewMemoryStore()}),
		WithPublisher(pub, events.Factory{}),
	)
	rctx, caps := capsFor(t, "SCOPE_acme.facultad")

	result, err := svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{ProcessID: recepcion})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ProcessInstanceKey)
	assert.Len(t, pub.events, 1)
}

func TestStartProcess_redactsSensitiveVariables(t *testing.T) {
	eng := engine.NewMemoryEngine(recepcion)
	store := ledger.NewMemoryStore()
	pub := &capturePublisher{}
	svc := NewService(eng, WithLedger(store), WithPublisher(pub, events.Factory{}))
	rctx, caps := capsFor(t, "SCOPE_acme.facultad")

	result, err := svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{
		ProcessID: recepcion,
		Variables: map[string]any{"persona": "ACME", "password": "s3cr3t"},
	})
	require.NoError(t, err)

	inst, _ := eng.Instance(result.ProcessInstanceKey)
	assert.Equal(t, "s3cr3t", inst.Variables["password"])

	rec, err := store.Get(context.Background(), result.ProcessInstanceKey)
	require.NoError(t, err)
	assert.NotEqual(t, "s3cr3t", rec.Variables["password"])
	assert.Equal(t, "ACME", rec.Variables["persona"])

	vars, ok := pub.events[0].EventBody["variables"].(map[string]any)
	require.True(t, ok)
	assert.NotEqual(t, "s3cr3t", vars["password"])
}

func TestStartProcess_metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	eng := engine.NewMemoryEngine(recepcion)
	svc := NewService(eng, WithMetrics(metrics), WithLedger(ledger.NewMemoryStore()))

	rctx, caps := capsFor(t, "SCOPE_acme.facultad")
	_, err := svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{ProcessID: recepcion})
	require.NoError(t, err)

	rctx, caps = capsFor(t)
	_, _ = svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{ProcessID: recepcion})

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProcessStartsTotal.WithLabelValues(recepcion, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProcessStartsTotal.WithLabelValues("unknown", model.ErrForbidden)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LedgerWritesTotal.WithLabelValues("ok")))
}

func TestDeployProcess(t *testing.T) {
	eng := engine.NewMemoryEngine()
	svc := NewService(eng)

	t.Run("admin deploys", func(t *testing.T) {
		rctx, caps := capsFor(t, "ROLE_ADMINLEGO")
		result, err := svc.DeployProcess(context.Background(), rctx, caps, recepcion)
		require.NoError(t, err)
		require.Len(t, result.Processes, 1)
		assert.Equal(t, recepcion, result.Processes[0].BpmnProcessID)
		assert.Equal(t, int32(1), result.Processes[0].Version)
	})

	t.Run("scope alone cannot deploy", func(t *testing.T) {
		rctx, caps := capsFor(t, "SCOPE_acme.facultad")
		_, err := svc.DeployProcess(context.Background(), rctx, caps, recepcion)
		assert.True(t, model.IsCode(err, model.ErrForbidden))
	})

	t.Run("name required", func(t *testing.T) {
		rctx, caps := capsFor(t, "ROLE_ADMINLEGO")
		_, err := svc.DeployProcess(context.Background(), rctx, caps, "")
		assert.True(t, model.IsCode(err, model.ErrValidationError))
	})

	t.Run("deployed process can be started", func(t *testing.T) {
		rctx, caps := capsFor(t, "ROLE_ADMINLEGO")
		_, err := svc.StartProcess(context.Background(), rctx, caps, model.StartProcessRequest{ProcessID: recepcion})
		assert.NoError(t, err)
	})
}

func TestDeployProcess_rawErrorBecomesUnavailable(t *testing.T) {
	eng := &stubEngine{deployFn: func(context.Context, string) (model.DeploymentResult, error) {
		return model.DeploymentResult{}, errors.New("connection reset")
	}}
	rctx, caps := capsFor(t, "ROLE_ADMINLEGO")

	_, err := NewService(eng).DeployProcess(context.Background(), rctx, caps, recepcion)
	assert.True(t, model.IsCode(err, model.ErrEngineUnavailable))
}

func TestInstances(t *testing.T) {
	eng := engine.NewMemoryEngine(recepcion)
	store := ledger.NewMemoryStore()
	svc := NewService(eng, WithLedger(store))
	rctx, caps := capsFor(t, "SCOPE_acme.facultad")
	ctx := context.Background()

	var started []model.InstanceKey
	for i := 0; i < 3; i++ {
		res, err := svc.StartProcess(ctx, rctx, caps, model.StartProcessRequest{ProcessID: recepcion})
		require.NoError(t, err)
		started = append(started, res.ProcessInstanceKey)
	}

	rec, err := svc.GetInstance(ctx, caps, started[0])
	require.NoError(t, err)
	assert.Equal(t, recepcion, rec.BpmnProcessID)

	_, err = svc.GetInstance(ctx, caps, "999")
	assert.True(t, model.IsCode(err, model.ErrNotFound))

	page, err := svc.ListInstances(ctx, caps, model.InstanceFilters{BpmnProcessID: recepcion, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 1, page.Page)

	page, err = svc.ListInstances(ctx, caps, model.InstanceFilters{BpmnProcessID: "other"})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.NotNil(t, page.Items)

	_, noCaps := capsFor(t)
	_, err = svc.GetInstance(ctx, noCaps, started[0])
	assert.True(t, model.IsCode(err, model.ErrForbidden))
	_, err = svc.ListInstances(ctx, noCaps, model.InstanceFilters{})
	assert.True(t, model.IsCode(err, model.ErrForbidden))
}

func TestInstances_ledgerDisabled(t *testing.T) {
	svc := NewService(engine.NewMemoryEngine(recepcion))
	_, caps := capsFor(t, "ROLE_ADMINLEGO")

	_, err := svc.GetInstance(context.Background(), caps, "1")
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}
