package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"go.uber.org/zap"

	"github.com/acme/expediente/internal/config"
	"github.com/acme/expediente/model"
)

// ZeebeEngine talks to a Camunda 8 gateway over gRPC.
type ZeebeEngine struct {
	client      zbc.Client
	resourceDir string
	logger      *zap.Logger
}

// NewZeebeEngine dials the configured gateway. OAuth client credentials are
// used when a client id is configured; the secret is read from the
// environment variable named by ClientSecretEnv.
func NewZeebeEngine(_ context.Context, cfg config.ZeebeConfig, resourceDir string, logger *zap.Logger) (*ZeebeEngine, error) {
	zcfg := &zbc.ClientConfig{
		GatewayAddress:         cfg.GatewayAddress,
		UsePlaintextConnection: cfg.Plaintext,
		KeepAlive:              cfg.KeepAlive,
	}

	if cfg.ClientID != "" {
		provider, err := zbc.NewOAuthCredentialsProvider(&zbc.OAuthProviderConfig{
			ClientID:               cfg.ClientID,
			ClientSecret:           os.Getenv(cfg.ClientSecretEnv),
			AuthorizationServerURL: cfg.AuthorizationServerURL,
			Audience:               cfg.Audience,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: zeebe credentials: %w", err)
		}
		zcfg.CredentialsProvider = provider
	}

	client, err := zbc.NewClient(zcfg)
	if err != nil {
		return nil, fmt.Errorf("engine: zeebe client for %s: %w", cfg.GatewayAddress, err)
	}

	return NewZeebeEngineWithClient(client, resourceDir, logger), nil
}

// NewZeebeEngineWithClient wraps an existing client.
func NewZeebeEngineWithClient(client zbc.Client, resourceDir string, logger *zap.Logger) *ZeebeEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZeebeEngine{client: client, resourceDir: resourceDir, logger: logger}
}

// Client exposes the gateway client for job workers.
func (z *ZeebeEngine) Client() zbc.Client { return z.client }

// Name implements Engine.
func (z *ZeebeEngine) Name() string { return DriverZeebe }

// StartProcessInstance creates an instance of the latest deployed version of
// processID.
func (z *ZeebeEngine) StartProcessInstance(ctx context.Context, processID string, variables map[string]any) (model.ProcessInstanceResult, error) {
	cmd, err := z.client.NewCreateInstanceCommand().
		BPMNProcessId(processID).
		LatestVersion().
		VariablesFromMap(variables)
	if err != nil {
		return model.ProcessInstanceResult{}, model.NewValidationError([]model.FieldError{{
			Field:   "variables",
			Code:    "INVALID",
			Message: err.Error(),
		}})
	}

	resp, err := cmd.Send(ctx)
	if err != nil {
		z.logger.Warn("zeebe create instance failed",
			zap.String("process_id", processID),
			zap.Error(err),
		)
		return model.ProcessInstanceResult{}, classifyGRPC(err, processID)
	}

	return instanceFromZeebe(resp), nil
}

// DeployProcess deploys <resourceDir>/<name>.bpmn.
func (z *ZeebeEngine) DeployProcess(ctx context.Context, name string) (model.DeploymentResult, error) {
	path, err := resourcePath(z.resourceDir, name)
	if err != nil {
		return model.DeploymentResult{}, err
	}

	resp, err := z.client.NewDeployResourceCommand().AddResourceFile(path).Send(ctx)
	if err != nil {
		z.logger.Warn("zeebe deploy failed", zap.String("resource", path), zap.Error(err))
		return model.DeploymentResult{}, classifyGRPC(err, "")
	}

	return deploymentFromZeebe(resp), nil
}

// HealthCheck asks the gateway for its topology.
func (z *ZeebeEngine) HealthCheck(ctx context.Context) error {
	if _, err := z.client.NewTopologyCommand().Send(ctx); err != nil {
		return fmt.Errorf("zeebe topology: %w", err)
	}
	return nil
}

// Close closes the gateway connection.
func (z *ZeebeEngine) Close() error {
	return z.client.Close()
}

func instanceFromZeebe(resp *pb.CreateProcessInstanceResponse) model.ProcessInstanceResult {
	return model.ProcessInstanceResult{
		BpmnProcessID:        resp.GetBpmnProcessId(),
		ProcessInstanceKey:   keyOf(resp.GetProcessInstanceKey()),
		ProcessDefinitionKey: keyOf(resp.GetProcessDefinitionKey()),
		Version:              resp.GetVersion(),
	}
}

func deploymentFromZeebe(resp *pb.DeployResourceResponse) model.DeploymentResult {
	result := model.DeploymentResult{Key: keyOf(resp.GetKey())}
	for _, d := range resp.GetDeployments() {
		p := d.GetProcess()
		if p == nil {
			continue
		}
		result.Processes = append(result.Processes, model.DeployedProcess{
			BpmnProcessID:        p.GetBpmnProcessId(),
			Version:              p.GetVersion(),
			ProcessDefinitionKey: keyOf(p.GetProcessDefinitionKey()),
			ResourceName:         p.GetResourceName(),
		})
	}
	return result
}

func keyOf(k int64) model.InstanceKey {
	return model.InstanceKey(strconv.FormatInt(k, 10))
}

// ZeebeClientOf returns the gateway client behind e when e is (or wraps) a
// ZeebeEngine.
func ZeebeClientOf(e Engine) (zbc.Client, bool) {
	z, ok := unwrap(e).(*ZeebeEngine)
	if !ok {
		return nil, false
	}
	return z.client, true
}
