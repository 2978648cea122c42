package model

import (
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// StartProcessRequest names a process definition and the variables handed to
// the new instance. Variable values are scalars: strings, numbers, booleans
// or null.
type StartProcessRequest struct {
	ProcessID string         `json:"processId" validate:"required,max=256"`
	Variables map[string]any `json:"variables,omitempty"`
}

// InstanceKey identifies a process instance inside the workflow engine.
// Zeebe assigns 64-bit integer keys while REST engines hand out opaque
// strings, so the key is carried as text and rendered as a JSON number
// whenever it is numeric.
type InstanceKey string

// Int64 returns the numeric value of the key and whether it is numeric.
func (k InstanceKey) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(k), 10, 64)
	return n, err == nil
}

// MarshalJSON implements json.Marshaler.
func (k InstanceKey) MarshalJSON() ([]byte, error) {
	if n, ok := k.Int64(); ok {
		return []byte(strconv.FormatInt(n, 10)), nil
	}
	return json.Marshal(string(k))
}

// UnmarshalJSON implements json.Unmarshaler, accepting numbers and strings.
func (k *InstanceKey) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*k = InstanceKey(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = InstanceKey(s)
	return nil
}

// ProcessInstanceResult describes a freshly started process instance.
type ProcessInstanceResult struct {
	BpmnProcessID        string      `json:"bpmnProcessId"`
	ProcessInstanceKey   InstanceKey `json:"processInstanceKey"`
	ProcessDefinitionKey InstanceKey `json:"processDefinitionKey,omitempty"`
	Version              int32       `json:"version,omitempty"`
}

// DeployedProcess describes one process definition created by a deployment.
type DeployedProcess struct {
	BpmnProcessID        string      `json:"bpmnProcessId"`
	Version              int32       `json:"version"`
	ProcessDefinitionKey InstanceKey `json:"processDefinitionKey"`
	ResourceName         string      `json:"resourceName"`
}

// DeploymentResult is returned by a deploy call.
type DeploymentResult struct {
	Key       InstanceKey       `json:"key"`
	Processes []DeployedProcess `json:"processes"`
}

// ProcessEngine is the workflow engine as seen by this service. Engines
// classify their own failures into *ErrorEnvelope values with the
// ENGINE_* and PROCESS_NOT_FOUND codes.
type ProcessEngine interface {
	// StartProcessInstance starts the latest version of the process
	// definition identified by processID.
	StartProcessInstance(ctx context.Context, processID string, variables map[string]any) (ProcessInstanceResult, error)

	// DeployProcess deploys the BPMN resource with the given name.
	DeployProcess(ctx context.Context, name string) (DeploymentResult, error)
}

// ProcessInstanceRecord is the ledger entry written after a successful start.
type ProcessInstanceRecord struct {
	ProcessInstanceKey   InstanceKey    `json:"processInstanceKey"`
	BpmnProcessID        string         `json:"bpmnProcessId"`
	ProcessDefinitionKey InstanceKey    `json:"processDefinitionKey,omitempty"`
	Version              int32          `json:"version,omitempty"`
	SubjectID            string         `json:"subjectId"`
	Username             string         `json:"username,omitempty"`
	CorrelationID        string         `json:"correlationId,omitempty"`
	Variables            map[string]any `json:"variables,omitempty"`
	StartedAt            time.Time      `json:"startedAt"`
}

// InstanceFilters narrows a ledger listing.
type InstanceFilters struct {
	BpmnProcessID string `json:"processId,omitempty"`
	SubjectID     string `json:"subjectId,omitempty"`
	Page          int    `json:"page"`
	PageSize      int    `json:"page_size"`
}
