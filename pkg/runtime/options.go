package runtime

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/lambdaruntime/pkg/invocation"
	"github.com/wehubfusion/lambdaruntime/pkg/outcome"
)

// ErrorReporter receives errors out of band, in addition to what is posted
// to the Runtime API.
type ErrorReporter interface {
	CaptureInvocationError(ic *invocation.Context, errorType string, err error)
	CaptureFatal(err error)
	Flush(timeout time.Duration) bool
}

type nopReporter struct{}

func (nopReporter) CaptureInvocationError(*invocation.Context, string, error) {}
func (nopReporter) CaptureFatal(error)                                        {}
func (nopReporter) Flush(time.Duration) bool                                  { return true }

// Option customizes a Runtime.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	tracer     trace.Tracer
	sink       outcome.Sink
	reporter   ErrorReporter
	now        func() time.Time
	instanceID string
}

func defaultOptions() options {
	return options{
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("lambdaruntime/runtime"),
		sink:     outcome.Nop{},
		reporter: nopReporter{},
		now:      time.Now,
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer sets the tracer used for initialization and invocation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithOutcomeSink publishes a record after every reported invocation.
func WithOutcomeSink(sink outcome.Sink) Option {
	return func(o *options) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithErrorReporter forwards invocation and fatal errors to reporter.
func WithErrorReporter(reporter ErrorReporter) Option {
	return func(o *options) {
		if reporter != nil {
			o.reporter = reporter
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithInstanceID fixes the id stamped on outcome records. A random one is
// generated otherwise.
func WithInstanceID(id string) Option {
	return func(o *options) {
		o.instanceID = id
	}
}
