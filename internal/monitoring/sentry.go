// Package monitoring forwards invocation and fatal runtime errors to Sentry.
package monitoring

import (
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/wehubfusion/lambdaruntime/pkg/config"
	rterrors "github.com/wehubfusion/lambdaruntime/pkg/errors"
	"github.com/wehubfusion/lambdaruntime/pkg/invocation"
)

// SentryReporter captures errors on a dedicated hub so the global Sentry
// state of the handler stays untouched.
type SentryReporter struct {
	hub    *sentry.Hub
	fn     config.FunctionConfig
	logger *zap.Logger
}

// NewSentryReporter creates a reporter for dsn.
func NewSentryReporter(dsn string, fn config.FunctionConfig, logger *zap.Logger) (*SentryReporter, error) {
	return NewSentryReporterWithOptions(sentry.ClientOptions{Dsn: dsn}, fn, logger)
}

// NewSentryReporterWithOptions creates a reporter from full client options.
// Release and environment default to the function version and region.
func NewSentryReporterWithOptions(opts sentry.ClientOptions, fn config.FunctionConfig, logger *zap.Logger) (*SentryReporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Release == "" && fn.Name != "" {
		opts.Release = fmt.Sprintf("%s@%s", fn.Name, fn.Version)
	}
	if opts.Environment == "" {
		opts.Environment = fn.Region
	}
	if opts.ServerName == "" {
		opts.ServerName = fn.LogStreamName
	}

	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}

	scope := sentry.NewScope()
	scope.SetTag("function_name", fn.Name)
	scope.SetTag("function_version", fn.Version)
	if fn.Handler != "" {
		scope.SetTag("handler", fn.Handler)
	}

	return &SentryReporter{
		hub:    sentry.NewHub(client, scope),
		fn:     fn,
		logger: logger,
	}, nil
}

// CaptureInvocationError records an error that was reported for one invocation.
func (r *SentryReporter) CaptureInvocationError(ic *invocation.Context, errorType string, err error) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("error_type", errorType)
		if ic != nil {
			scope.SetTag("request_id", ic.RequestID)
			scope.SetContext("invocation", sentry.Context{
				"request_id":           ic.RequestID,
				"invoked_function_arn": ic.InvokedFunctionArn,
				"trace_id":             ic.TraceID,
				"deadline_ms":          ic.DeadlineMs,
			})
		}
		if id := r.hub.CaptureException(err); id != nil {
			r.logger.Debug("Invocation error sent to Sentry", zap.String("eventID", string(*id)))
		}
	})
}

// CaptureFatal records an error that terminates the runtime.
func (r *SentryReporter) CaptureFatal(err error) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		var fatal *rterrors.FatalError
		if errors.As(err, &fatal) {
			scope.SetTag("phase", string(fatal.Phase))
		}
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be delivered.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	ok := r.hub.Flush(timeout)
	if !ok {
		r.logger.Warn("Sentry flush timed out", zap.Duration("timeout", timeout))
	}
	return ok
}
