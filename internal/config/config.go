// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Application   ApplicationConfig   `yaml:"application"`
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Engine        EngineConfig        `yaml:"engine"`
	Events        EventsConfig        `yaml:"events"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Documents     DocumentsConfig     `yaml:"documents"`
	Workers       WorkersConfig       `yaml:"workers"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ApplicationConfig names the service in outbound events.
type ApplicationConfig struct {
	Name     string `yaml:"name"`
	CoreName string `yaml:"core_name"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string          `yaml:"issuer"`
	Audience     string          `yaml:"audience"`
	JWKSURL      string          `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration   `yaml:"jwks_cache_ttl"`
	Algorithms   []string        `yaml:"algorithms"`
	Claims       ClaimPathConfig `yaml:"claims"`
}

// ClaimPathConfig locates identity fields inside the token claims. Paths use
// gjson syntax, so nested claims such as "realm_access.roles" work.
type ClaimPathConfig struct {
	Subject  string   `yaml:"subject"`
	Username string   `yaml:"username"`
	Email    string   `yaml:"email"`
	Scope    []string `yaml:"scope"`
	Roles    []string `yaml:"roles"`
}

// AuthorizationConfig describes how authorities become capabilities.
type AuthorizationConfig struct {
	// PolicyFile is an optional YAML file mapping authorities to capabilities.
	// When empty, a built-in policy derived from RequiredScope and AdminRole
	// is used.
	PolicyFile    string        `yaml:"policy_file"`
	RequiredScope string        `yaml:"required_scope"`
	AdminRole     string        `yaml:"admin_role"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// EngineConfig describes the workflow engine connection.
type EngineConfig struct {
	Driver         string        `yaml:"driver"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ResourceDir    string        `yaml:"resource_dir"`
	Zeebe          ZeebeConfig   `yaml:"zeebe"`
	Rest           RestConfig    `yaml:"rest"`
	Memory         MemoryConfig  `yaml:"memory"`
}

// ZeebeConfig describes a Camunda 8 gateway.
type ZeebeConfig struct {
	GatewayAddress         string        `yaml:"gateway_address"`
	Plaintext              bool          `yaml:"plaintext"`
	ClientID               string        `yaml:"client_id"`
	ClientSecretEnv        string        `yaml:"client_secret_env"`
	AuthorizationServerURL string        `yaml:"authorization_server_url"`
	Audience               string        `yaml:"audience"`
	KeepAlive              time.Duration `yaml:"keep_alive"`
}

// RestConfig describes a Camunda 7 engine-rest endpoint.
type RestConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	UsernameEnv    string               `yaml:"username_env"`
	PasswordEnv    string               `yaml:"password_env"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// MemoryConfig describes the in-process engine used for development.
type MemoryConfig struct {
	Processes []string `yaml:"processes"`
}

// EventsConfig describes outbound notification publishing.
type EventsConfig struct {
	Driver           string        `yaml:"driver"`
	Topic            string        `yaml:"topic"`
	NotifyPermission string        `yaml:"notify_permission"`
	MaxInFlight      int64         `yaml:"max_in_flight"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	Redis            RedisConfig   `yaml:"redis"`
	Pulsar           PulsarConfig  `yaml:"pulsar"`
}

// RedisConfig describes a Redis Streams connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	AddrEnv   string `yaml:"addr_env"`
	DB        int    `yaml:"db"`
	MaxLength int64  `yaml:"max_length"`
}

// PulsarConfig describes an Apache Pulsar connection.
type PulsarConfig struct {
	URL               string        `yaml:"url"`
	OperationTimeout  time.Duration `yaml:"operation_timeout"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// LedgerConfig describes persistence of started instances.
type LedgerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DocumentsConfig describes the document repository used by job workers.
type DocumentsConfig struct {
	BucketURL         string        `yaml:"bucket_url"`
	Root              string        `yaml:"root"`
	ReadRetries       uint64        `yaml:"read_retries"`
	ReadRetryInterval time.Duration `yaml:"read_retry_interval"`
	QuarantineMarkers []string      `yaml:"quarantine_markers"`
}

// WorkersConfig describes the BPMN job workers.
type WorkersConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Concurrency   int           `yaml:"concurrency"`
	MaxJobsActive int           `yaml:"max_jobs_active"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Application: ApplicationConfig{
			Name:     "expediente-service",
			CoreName: "expediente",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			Claims: ClaimPathConfig{
				Subject:  "sub",
				Username: "preferred_username",
				Email:    "email",
				Scope:    []string{"scope", "scp"},
				Roles:    []string{"roles", "realm_access.roles"},
			},
		},
		Authorization: AuthorizationConfig{
			RequiredScope: "acme.facultad",
			AdminRole:     "ADMINLEGO",
			CacheTTL:      5 * time.Minute,
		},
		Engine: EngineConfig{
			Driver:         "zeebe",
			RequestTimeout: 10 * time.Second,
			ResourceDir:    "bpmn",
			Zeebe: ZeebeConfig{
				GatewayAddress: "localhost:26500",
				Plaintext:      true,
				KeepAlive:      45 * time.Second,
			},
			Rest: RestConfig{
				Timeout: 10 * time.Second,
			},
		},
		Events: EventsConfig{
			Driver:         "log",
			Topic:          "notify-out-0",
			MaxInFlight:    64,
			PublishTimeout: 5 * time.Second,
			Redis: RedisConfig{
				MaxLength: 10000,
			},
			Pulsar: PulsarConfig{
				OperationTimeout:  30 * time.Second,
				ConnectionTimeout: 5 * time.Second,
			},
		},
		Ledger: LedgerConfig{
			Enabled:         true,
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Documents: DocumentsConfig{
			BucketURL:         "mem://",
			Root:              "ACME",
			ReadRetries:       3,
			ReadRetryInterval: 10 * time.Second,
			QuarantineMarkers: []string{"women", "penguin"},
		},
		Workers: WorkersConfig{
			Concurrency:   4,
			MaxJobsActive: 32,
			JobTimeout:    5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid. Every
// problem found is reported, not only the first.
func (c *Config) Validate() error {
	var err error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Identity.Issuer == "" {
		err = multierr.Append(err, errors.New("identity.issuer is required"))
	}
	if c.Identity.JWKSURL == "" {
		err = multierr.Append(err, errors.New("identity.jwks_url is required"))
	}
	if c.Identity.Audience == "" {
		err = multierr.Append(err, errors.New("identity.audience is required"))
	}
	if c.Authorization.PolicyFile == "" && c.Authorization.RequiredScope == "" && c.Authorization.AdminRole == "" {
		err = multierr.Append(err, errors.New("authorization needs a policy_file, a required_scope or an admin_role"))
	}
	if c.Engine.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("engine.request_timeout must be positive"))
	}

	switch c.Engine.Driver {
	case "zeebe":
		if c.Engine.Zeebe.GatewayAddress == "" {
			err = multierr.Append(err, errors.New("engine.zeebe.gateway_address is required"))
		}
	case "rest":
		if c.Engine.Rest.BaseURL == "" {
			err = multierr.Append(err, errors.New("engine.rest.base_url is required"))
		}
	case "memory":
	default:
		err = multierr.Append(err, fmt.Errorf("engine.driver %q is not supported (zeebe, rest, memory)", c.Engine.Driver))
	}

	switch c.Events.Driver {
	case "redis", "log", "none", "":
	case "pulsar":
		if c.Events.Pulsar.URL == "" {
			err = multierr.Append(err, errors.New("events.pulsar.url is required"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("events.driver %q is not supported (redis, pulsar, log, none)", c.Events.Driver))
	}

	if c.Ledger.Enabled {
		switch c.Ledger.Driver {
		case "memory", "postgres":
		default:
			err = multierr.Append(err, fmt.Errorf("ledger.driver %q is not supported (memory, postgres)", c.Ledger.Driver))
		}
	}

	if c.Workers.Enabled && c.Engine.Driver != "zeebe" {
		err = multierr.Append(err, errors.New("workers require engine.driver zeebe"))
	}

	return err
}

// applyEnvOverrides reads EXPEDIENTE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EXPEDIENTE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("EXPEDIENTE_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("EXPEDIENTE_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("EXPEDIENTE_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("EXPEDIENTE_ENGINE_DRIVER"); v != "" {
		cfg.Engine.Driver = v
	}
	if v := os.Getenv("EXPEDIENTE_ZEEBE_ADDRESS"); v != "" {
		cfg.Engine.Zeebe.GatewayAddress = v
	}
	if v := os.Getenv("EXPEDIENTE_EVENTS_DRIVER"); v != "" {
		cfg.Events.Driver = v
	}
	if v := os.Getenv("EXPEDIENTE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
