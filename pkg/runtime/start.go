package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wehubfusion/lambdaruntime/internal/monitoring"
	"github.com/wehubfusion/lambdaruntime/internal/tracing"
	"github.com/wehubfusion/lambdaruntime/pkg/config"
	rterrors "github.com/wehubfusion/lambdaruntime/pkg/errors"
	"github.com/wehubfusion/lambdaruntime/pkg/handler"
	"github.com/wehubfusion/lambdaruntime/pkg/outcome"
	"github.com/wehubfusion/lambdaruntime/pkg/transport"
)

// Builder creates the handler once configuration and logging are ready.
type Builder[O any] func(cfg config.Config, logger *zap.Logger) (handler.Handler[O], error)

// Start runs h as the process entrypoint and never returns. The process exits
// non-zero when the runtime stops on a fatal error.
func Start[O any](h handler.Handler[O]) {
	StartWith[O](func(config.Config, *zap.Logger) (handler.Handler[O], error) { return h, nil })
}

// StartWith is Start for handlers that need the runtime configuration.
func StartWith[O any](build Builder[O]) {
	os.Exit(Main(context.Background(), build))
}

// Main wires the runtime from the environment, runs it and returns the exit
// code. SIGTERM or an interrupt stops the loop between invocations.
func Main[O any](ctx context.Context, build Builder[O]) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lambdaruntime: %v\n", err)
		return 1
	}

	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lambdaruntime: %v\n", err)
		return 1
	}
	logger = logger.With(
		zap.String("function", cfg.Function.Name),
		zap.String("functionVersion", cfg.Function.Version))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Function.Version,
		Region:         cfg.Function.Region,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
	} else {
		defer func() { _ = tracing.Shutdown(shutdownTracing, logger) }()
	}

	opts := []Option{
		WithLogger(logger),
		WithTracer(otel.Tracer("lambdaruntime/runtime")),
	}

	var reporter ErrorReporter
	if cfg.SentryDSN != "" {
		sr, err := monitoring.NewSentryReporter(cfg.SentryDSN, cfg.Function, logger)
		if err != nil {
			logger.Warn("Failed to setup Sentry, continuing without it", zap.Error(err))
		} else {
			reporter = sr
			opts = append(opts, WithErrorReporter(sr))
		}
	}

	if cfg.Outcomes.NATSURL != "" {
		sink, err := outcome.DialNATS(ctx, cfg.Outcomes.NATSURL, cfg.Outcomes.Subject, logger)
		if err != nil {
			logger.Warn("Failed to connect outcome stream, continuing without it", zap.Error(err))
		} else {
			defer func() {
				if err := sink.Close(); err != nil {
					logger.Warn("Failed to close outcome stream", zap.Error(err))
				}
			}()
			opts = append(opts, WithOutcomeSink(sink))
		}
	}

	h, buildErr := build(cfg, logger)
	if buildErr != nil {
		// reported through the init-error endpoint like any other init failure
		h = handler.WithInit[O](func(context.Context) error { return buildErr }, nil)
	}

	t := transport.NewRetrying(transport.NewHTTP(), cfg.Retry, logger)
	rt, err := New(cfg, t, h, opts...)
	if err != nil {
		logger.Error("Failed to create runtime", zap.Error(err))
		return 1
	}

	logger.Info("Runtime starting",
		zap.String("runtimeAPI", cfg.RuntimeAPI),
		zap.String("handler", cfg.Function.Handler),
		zap.String("initializationType", string(cfg.Function.InitializationType)))

	err = rt.Run(ctx)
	if reporter != nil {
		reporter.Flush(2 * time.Second)
	}
	return ExitCode(err)
}

// ExitCode maps the error returned by Run to a process exit status.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	var fatal *rterrors.FatalError
	if errors.As(err, &fatal) {
		return fatal.ExitCode()
	}
	return 1
}

// NewLogger builds the process logger. format is "json" or "console".
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stdout"}
	switch format {
	case "", "json":
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return cfg.Build()
}
