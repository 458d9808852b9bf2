// Package config assembles the process-wide runtime configuration from the
// environment, once, at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	rterrors "github.com/wehubfusion/lambdaruntime/pkg/errors"
	"github.com/wehubfusion/lambdaruntime/pkg/runtimeapi"
	"github.com/wehubfusion/lambdaruntime/pkg/transport"
)

// InitializationType tells how the execution environment was started.
type InitializationType string

const (
	InitOnDemand               InitializationType = "on-demand"
	InitProvisionedConcurrency InitializationType = "provisioned-concurrency"
	InitSnapStart              InitializationType = "snap-start"
	InitUnknown                InitializationType = "unknown"
)

// ParseInitializationType maps the AWS_LAMBDA_INITIALIZATION_TYPE value.
func ParseInitializationType(s string) InitializationType {
	switch InitializationType(s) {
	case InitOnDemand, InitProvisionedConcurrency, InitSnapStart:
		return InitializationType(s)
	default:
		return InitUnknown
	}
}

// Config holds everything the runtime reads from the environment
type Config struct {
	RuntimeAPI  string
	Version     string
	Retry       transport.RetryConfig
	PollBackoff BackoffConfig
	LogLevel    string
	LogFormat   string
	Tracing     TracingConfig
	SentryDSN   string
	Outcomes    OutcomeConfig
	Function    FunctionConfig
}

// BackoffConfig bounds the delay between consecutive rejected polls
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// TracingConfig configures the OTLP exporter; an empty endpoint disables tracing
type TracingConfig struct {
	OTLPEndpoint string
	ServiceName  string
	SampleRatio  float64
}

// OutcomeConfig configures the optional NATS outcome stream
type OutcomeConfig struct {
	NATSURL string
	Subject string
}

// FunctionConfig describes the function and its execution environment
type FunctionConfig struct {
	Handler            string
	Region             string
	ExecutionEnv       string
	Name               string
	Version            string
	MemorySizeMB       int
	InitializationType InitializationType
	LogGroupName       string
	LogStreamName      string
	TaskRoot           string
	RuntimeDir         string
	TZ                 string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is honoured for local runs.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("LAMBDA_RUNTIME_API_VERSION", runtimeapi.DefaultVersion)
	v.SetDefault("RUNTIME_RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RUNTIME_RETRY_INITIAL_INTERVAL", "100ms")
	v.SetDefault("RUNTIME_RETRY_MAX_INTERVAL", "2s")
	v.SetDefault("RUNTIME_POLL_BACKOFF_INITIAL", "100ms")
	v.SetDefault("RUNTIME_POLL_BACKOFF_MAX", "5s")
	v.SetDefault("RUNTIME_LOG_LEVEL", "info")
	v.SetDefault("RUNTIME_LOG_FORMAT", "json")
	v.SetDefault("OTEL_TRACES_SAMPLER_ARG", 1.0)
	v.SetDefault("RUNTIME_NATS_SUBJECT", "lambda.outcomes")
	v.SetDefault("LAMBDA_TASK_ROOT", "/var/task")

	// viper only resolves AutomaticEnv keys it has heard of, so the optional
	// ones are bound explicitly
	for _, key := range []string{
		"AWS_LAMBDA_RUNTIME_API", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
		"SENTRY_DSN", "RUNTIME_NATS_URL", "_HANDLER", "AWS_REGION", "AWS_EXECUTION_ENV",
		"AWS_LAMBDA_FUNCTION_NAME", "AWS_LAMBDA_FUNCTION_VERSION", "AWS_LAMBDA_FUNCTION_MEMORY_SIZE",
		"AWS_LAMBDA_INITIALIZATION_TYPE", "AWS_LAMBDA_LOG_GROUP_NAME", "AWS_LAMBDA_LOG_STREAM_NAME",
		"LAMBDA_RUNTIME_DIR", "TZ",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	cfg := Config{
		RuntimeAPI: strings.TrimPrefix(strings.TrimSpace(v.GetString("AWS_LAMBDA_RUNTIME_API")), "http://"),
		Version:    strings.Trim(v.GetString("LAMBDA_RUNTIME_API_VERSION"), "/"),
		Retry: transport.RetryConfig{
			MaxAttempts:     v.GetInt("RUNTIME_RETRY_MAX_ATTEMPTS"),
			InitialInterval: v.GetDuration("RUNTIME_RETRY_INITIAL_INTERVAL"),
			MaxInterval:     v.GetDuration("RUNTIME_RETRY_MAX_INTERVAL"),
		},
		PollBackoff: BackoffConfig{
			InitialInterval: v.GetDuration("RUNTIME_POLL_BACKOFF_INITIAL"),
			MaxInterval:     v.GetDuration("RUNTIME_POLL_BACKOFF_MAX"),
		},
		LogLevel:  v.GetString("RUNTIME_LOG_LEVEL"),
		LogFormat: v.GetString("RUNTIME_LOG_FORMAT"),
		Tracing: TracingConfig{
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
			SampleRatio:  v.GetFloat64("OTEL_TRACES_SAMPLER_ARG"),
		},
		SentryDSN: v.GetString("SENTRY_DSN"),
		Outcomes: OutcomeConfig{
			NATSURL: v.GetString("RUNTIME_NATS_URL"),
			Subject: v.GetString("RUNTIME_NATS_SUBJECT"),
		},
		Function: FunctionConfig{
			Handler:            v.GetString("_HANDLER"),
			Region:             v.GetString("AWS_REGION"),
			ExecutionEnv:       v.GetString("AWS_EXECUTION_ENV"),
			Name:               v.GetString("AWS_LAMBDA_FUNCTION_NAME"),
			Version:            v.GetString("AWS_LAMBDA_FUNCTION_VERSION"),
			MemorySizeMB:       v.GetInt("AWS_LAMBDA_FUNCTION_MEMORY_SIZE"),
			InitializationType: ParseInitializationType(v.GetString("AWS_LAMBDA_INITIALIZATION_TYPE")),
			LogGroupName:       v.GetString("AWS_LAMBDA_LOG_GROUP_NAME"),
			LogStreamName:      v.GetString("AWS_LAMBDA_LOG_STREAM_NAME"),
			TaskRoot:           v.GetString("LAMBDA_TASK_ROOT"),
			RuntimeDir:         v.GetString("LAMBDA_RUNTIME_DIR"),
			TZ:                 v.GetString("TZ"),
		},
	}

	if cfg.Version == "" {
		cfg.Version = runtimeapi.DefaultVersion
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = cfg.Function.Name
	}

	return cfg, cfg.Validate()
}

// Validate checks that the configuration can drive the runtime loop
func (c Config) Validate() error {
	if c.RuntimeAPI == "" {
		return fmt.Errorf("%w: AWS_LAMBDA_RUNTIME_API is not set", rterrors.ErrInvalidConfig)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("%w: retry attempts must be greater than 0", rterrors.ErrInvalidConfig)
	}
	if c.PollBackoff.InitialInterval <= 0 || c.PollBackoff.MaxInterval < c.PollBackoff.InitialInterval {
		return fmt.Errorf("%w: poll backoff must be positive and max must not be below initial", rterrors.ErrInvalidConfig)
	}
	return nil
}

// Endpoints returns the Runtime API URL builder for this configuration
func (c Config) Endpoints() runtimeapi.Endpoints {
	return runtimeapi.NewEndpoints(c.RuntimeAPI, c.Version)
}
