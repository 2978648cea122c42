package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/acme/expediente/internal/config"
	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/model"
)

// maxResponseBytes caps how much of an engine response is read.
const maxResponseBytes = 1 << 20

// RestEngine talks to a Camunda 7 engine-rest endpoint. Start requests are
// never retried: the POST is not idempotent and a retry could start a second
// instance.
type RestEngine struct {
	baseURL     string
	username    string
	password    string
	resourceDir string
	client      *http.Client
	breaker     *CircuitBreaker
	logger      *zap.Logger
}

// NewRestEngine creates an engine client with its own HTTP client and
// circuit breaker. onBreakerChange may be nil.
func NewRestEngine(cfg config.RestConfig, resourceDir string, logger *zap.Logger, onBreakerChange func(BreakerState)) (*RestEngine, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("engine: rest base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("engine: rest base_url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cb := cfg.CircuitBreaker

	e := &RestEngine{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		resourceDir: resourceDir,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewCircuitBreaker(BreakerSettings{
			FailureThreshold:   cb.FailureThreshold,
			SuccessThreshold:   cb.SuccessThreshold,
			Timeout:            cb.Timeout,
			ErrorRateThreshold: cb.ErrorRateThreshold,
			ErrorRateWindow:    cb.ErrorRateWindow,
			OnStateChange:      onBreakerChange,
		}),
		logger: logger,
	}
	if cfg.UsernameEnv != "" {
		e.username = os.Getenv(cfg.UsernameEnv)
		e.password = os.Getenv(cfg.PasswordEnv)
	}
	return e, nil
}

// Name implements Engine.
func (e *RestEngine) Name() string { return DriverRest }

// Breaker exposes the circuit breaker for diagnostics.
func (e *RestEngine) Breaker() *CircuitBreaker { return e.breaker }

type restVariable struct {
	Value any    `json:"value"`
	Type  string `json:"type"`
}

type restStartRequest struct {
	Variables map[string]restVariable `json:"variables,omitempty"`
}

type restInstance struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definitionId"`
	BusinessKey  string `json:"businessKey"`
	Ended        bool   `json:"ended"`
}

type restException struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StartProcessInstance starts the latest version of the definition keyed by
// processID.
func (e *RestEngine) StartProcessInstance(ctx context.Context, processID string, variables map[string]any) (model.ProcessInstanceResult, error) {
	body, err := json.Marshal(restStartRequest{Variables: typedVariables(variables)})
	if err != nil {
		return model.ProcessInstanceResult{}, fmt.Errorf("engine: marshal variables: %w", err)
	}

	endpoint := e.baseURL + "/process-definition/key/" + url.PathEscape(processID) + "/start"
	status, respBody, err := e.do(ctx, http.MethodPost, endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return model.ProcessInstanceResult{}, err
	}
	if err := e.classifyStatus(status, respBody, processID); err != nil {
		return model.ProcessInstanceResult{}, err
	}

	var inst restInstance
	if err := json.Unmarshal(respBody, &inst); err != nil || inst.ID == "" {
		e.logger.Error("engine returned an unreadable instance", zap.String("process_id", processID))
		return model.ProcessInstanceResult{}, model.NewEngineUnavailableError()
	}

	return model.ProcessInstanceResult{
		BpmnProcessID:        processID,
		ProcessInstanceKey:   model.InstanceKey(inst.ID),
		ProcessDefinitionKey: model.InstanceKey(inst.DefinitionID),
	}, nil
}

type restDeployment struct {
	ID                         string                          `json:"id"`
	Name                       string                          `json:"name"`
	DeployedProcessDefinitions map[string]restProcessDefinition `json:"deployedProcessDefinitions"`
}

type restProcessDefinition struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Version  int32  `json:"version"`
	Resource string `json:"resource"`
}

// DeployProcess uploads <resourceDir>/<name>.bpmn as a new deployment.
// Unchanged resources are filtered by the engine.
func (e *RestEngine) DeployProcess(ctx context.Context, name string) (model.DeploymentResult, error) {
	path, err := resourcePath(e.resourceDir, name)
	if err != nil {
		return model.DeploymentResult{}, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return model.DeploymentResult{}, fmt.Errorf("engine: read %s: %w", path, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("deployment-name", strings.TrimSuffix(filepath.Base(path), ".bpmn"))
	_ = mw.WriteField("enable-duplicate-filtering", "true")
	_ = mw.WriteField("deploy-changed-only", "true")
	part, err := mw.CreateFormFile("data", filepath.Base(path))
	if err != nil {
		return model.DeploymentResult{}, fmt.Errorf("engine: build deployment: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return model.DeploymentResult{}, fmt.Errorf("engine: build deployment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return model.DeploymentResult{}, fmt.Errorf("engine: build deployment: %w", err)
	}

	status, respBody, err := e.do(ctx, http.MethodPost, e.baseURL+"/deployment/create", mw.FormDataContentType(), &buf)
	if err != nil {
		return model.DeploymentResult{}, err
	}
	if err := e.classifyStatus(status, respBody, ""); err != nil {
		return model.DeploymentResult{}, err
	}

	var dep restDeployment
	if err := json.Unmarshal(respBody, &dep); err != nil {
		return model.DeploymentResult{}, model.NewEngineUnavailableError()
	}

	result := model.DeploymentResult{Key: model.InstanceKey(dep.ID)}
	for _, def := range dep.DeployedProcessDefinitions {
		result.Processes = append(result.Processes, model.DeployedProcess{
			BpmnProcessID:        def.Key,
			Version:              def.Version,
			ProcessDefinitionKey: model.InstanceKey(def.ID),
			ResourceName:         def.Resource,
		})
	}
	sort.Slice(result.Processes, func(i, j int) bool {
		return result.Processes[i].BpmnProcessID < result.Processes[j].BpmnProcessID
	})
	return result, nil
}

// HealthCheck queries the engine list.
func (e *RestEngine) HealthCheck(ctx context.Context) error {
	status, _, err := e.do(ctx, http.MethodGet, e.baseURL+"/engine", "", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("engine-rest returned status %d", status)
	}
	return nil
}

// Close releases idle connections.
func (e *RestEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// do performs one request behind the circuit breaker. Transport failures are
// returned as engine envelopes; HTTP statuses are left to the caller.
func (e *RestEngine) do(ctx context.Context, method, endpoint, contentType string, body io.Reader) (int, []byte, error) {
	if err := e.breaker.Allow(); err != nil {
		return 0, nil, model.NewEngineUnavailableError()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("engine: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if e.username != "" {
		req.SetBasicAuth(e.username, e.password)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		e.breaker.RecordFailure()
		switch {
		case ctx.Err() != nil || isTimeout(err):
			return 0, nil, model.NewEngineTimeoutError()
		default:
			e.logger.Warn("engine-rest request failed", zap.String("url", endpoint), zap.Error(err))
			return 0, nil, model.NewEngineUnavailableError()
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		e.breaker.RecordFailure()
		return 0, nil, model.NewEngineUnavailableError()
	}
	return resp.StatusCode, respBody, nil
}

// classifyStatus maps an engine-rest status to an envelope and records the
// breaker outcome. 4xx answers and 500s carrying an engine exception are
// business rejections and do not count against the breaker.
func (e *RestEngine) classifyStatus(status int, body []byte, processID string) error {
	var exc restException
	_ = json.Unmarshal(body, &exc)

	switch {
	case status >= 200 && status < 300:
		e.breaker.RecordSuccess()
		return nil
	case status == http.StatusNotFound && processID != "":
		return model.NewProcessNotFoundError(processID)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.logger.Error("engine-rest rejected our credentials", zap.Int("status", status))
		return model.NewEngineUnavailableError()
	case status >= 400 && status < 500:
		return model.NewEngineRejectedError(rejectionMessage(exc, status))
	case status == http.StatusInternalServerError && exc.Type != "":
		return model.NewEngineRejectedError(rejectionMessage(exc, status))
	default:
		e.breaker.RecordFailure()
		return model.NewEngineUnavailableError()
	}
}

func rejectionMessage(exc restException, status int) string {
	if exc.Message != "" {
		return exc.Message
	}
	return fmt.Sprintf("engine rejected the request with status %d", status)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// typedVariables converts plain values to engine-rest typed variables.
func typedVariables(vars map[string]any) map[string]restVariable {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]restVariable, len(vars))
	for k, v := range vars {
		out[k] = typedVariable(v)
	}
	return out
}

func typedVariable(v any) restVariable {
	switch val := v.(type) {
	case nil:
		return restVariable{Value: nil, Type: "Null"}
	case string:
		return restVariable{Value: val, Type: "String"}
	case bool:
		return restVariable{Value: val, Type: "Boolean"}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return restVariable{Value: val, Type: "Long"}
	case float32:
		return typedVariable(float64(val))
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return restVariable{Value: int64(val), Type: "Long"}
		}
		return restVariable{Value: val, Type: "Double"}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return restVariable{Value: n, Type: "Long"}
		}
		f, _ := val.Float64()
		return restVariable{Value: f, Type: "Double"}
	default:
		return restVariable{Value: fmt.Sprint(val), Type: "String"}
	}
}
