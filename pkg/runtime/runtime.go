// Package runtime drives a Handler through the Runtime API: initialize once,
// then poll for the next invocation, invoke the handler and report its
// result, forever. Invocation failures are reported and the loop moves on;
// only conditions that make further progress impossible stop it.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/lambdaruntime/pkg/config"
	rterrors "github.com/wehubfusion/lambdaruntime/pkg/errors"
	"github.com/wehubfusion/lambdaruntime/pkg/handler"
	"github.com/wehubfusion/lambdaruntime/pkg/invocation"
	"github.com/wehubfusion/lambdaruntime/pkg/outcome"
	"github.com/wehubfusion/lambdaruntime/pkg/runtimeapi"
	"github.com/wehubfusion/lambdaruntime/pkg/transport"
)

// State is the phase the runtime loop is in.
type State int32

const (
	StateInitializing State = iota
	StatePolling
	StateInvoking
	StateReporting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePolling:
		return "polling"
	case StateInvoking:
		return "invoking"
	case StateReporting:
		return "reporting"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Runtime runs one Handler against one Runtime API. It processes a single
// invocation at a time and is not meant to be shared between goroutines,
// except for State which may be read concurrently.
type Runtime[O any] struct {
	config    config.Config
	endpoints runtimeapi.Endpoints
	transport transport.Transport
	handler   handler.Handler[O]

	logger     *zap.Logger
	tracer     trace.Tracer
	sink       outcome.Sink
	reporter   ErrorReporter
	now        func() time.Time
	instanceID string

	pollBackoff *backoff.ExponentialBackOff
	state       atomic.Int32
}

// New creates a Runtime for h talking to the Runtime API described by cfg
// through t.
func New[O any](cfg config.Config, t transport.Transport, h handler.Handler[O], opts ...Option) (*Runtime[O], error) {
	if t == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if h == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.instanceID == "" {
		o.instanceID = uuid.NewString()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.PollBackoff.InitialInterval
	b.MaxInterval = cfg.PollBackoff.MaxInterval
	b.Reset()

	return &Runtime[O]{
		config:      cfg,
		endpoints:   cfg.Endpoints(),
		transport:   t,
		handler:     h,
		logger:      o.logger.With(zap.String("instanceID", o.instanceID)),
		tracer:      o.tracer,
		sink:        o.sink,
		reporter:    o.reporter,
		now:         o.now,
		instanceID:  o.instanceID,
		pollBackoff: b,
	}, nil
}

// InstanceID identifies this execution environment in logs and outcome records.
func (r *Runtime[O]) InstanceID() string {
	return r.instanceID
}

// State returns the current phase of the loop.
func (r *Runtime[O]) State() State {
	return State(r.state.Load())
}

func (r *Runtime[O]) setState(s State) {
	r.state.Store(int32(s))
}

// Run initializes the handler and then serves invocations until a fatal
// error occurs or ctx is cancelled between two invocations. Fatal errors are
// returned as *errors.FatalError; cancellation returns ctx.Err().
func (r *Runtime[O]) Run(ctx context.Context) error {
	defer r.setState(StateTerminated)

	err := r.run(ctx)
	if rterrors.IsFatal(err) {
		r.logger.Error("Runtime terminated", zap.Error(err))
		r.reporter.CaptureFatal(err)
	} else if err != nil {
		r.logger.Info("Runtime stopped", zap.Error(err))
	}
	return err
}

func (r *Runtime[O]) run(ctx context.Context) error {
	if err := r.initialize(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.setState(StatePolling)
		resp, err := r.poll(ctx)
		if err != nil {
			return err
		}

		ic, err := invocation.Extract(resp.Header)
		if err != nil {
			return rterrors.NewFatalError(rterrors.PhaseContext, err)
		}

		if err := r.invoke(ctx, ic, string(resp.Body)); err != nil {
			return err
		}
	}
}

func (r *Runtime[O]) initialize(ctx context.Context) error {
	r.setState(StateInitializing)

	ctx, span := r.tracer.Start(ctx, "runtime.initialize",
		trace.WithAttributes(attribute.String("faas.name", r.config.Function.Name)))
	defer span.End()

	start := r.now()
	err := r.callInitialize(ctx)
	if err == nil {
		r.logger.Info("Handler initialized", zap.Duration("initTime", r.now().Sub(start)))
		span.SetStatus(codes.Ok, "")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	kind := rterrors.ErrorType(err)
	if kind == rterrors.ErrorTypeUnhandled {
		kind = rterrors.ErrorTypeInit
	}
	body := runtimeapi.NewErrorResponse(err.Error(), kind)

	r.logger.Error("Handler initialization failed", zap.String("errorType", kind), zap.Error(err))
	if reportErr := r.post(context.WithoutCancel(ctx), rterrors.PhaseInit, r.endpoints.InitError(), body.Encode(), body.Header()); reportErr != nil {
		r.logger.Error("Failed to report initialization error", zap.Error(reportErr))
	}

	return rterrors.NewFatalError(rterrors.PhaseInit, fmt.Errorf("%w: %w", rterrors.ErrInitialization, err))
}

// poll blocks until the control plane hands out an invocation. Rejected
// polls are retried with a capped exponential delay.
func (r *Runtime[O]) poll(ctx context.Context) (*transport.Response, error) {
	for {
		resp, err := r.transport.Get(ctx, r.endpoints.NextInvocation())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, rterrors.NewFatalError(rterrors.PhasePoll, fmt.Errorf("%w: %w", rterrors.ErrPollFailed, err))
		}

		switch {
		case runtimeapi.IsSuccess(resp.StatusCode):
			r.pollBackoff.Reset()
			return resp, nil
		case runtimeapi.IsContainerError(resp.StatusCode):
			return nil, rterrors.NewFatalError(rterrors.PhasePoll,
				fmt.Errorf("%w: next invocation returned %d: %s", rterrors.ErrContainerFailure, resp.StatusCode, resp.Body))
		}

		delay := r.pollBackoff.NextBackOff()
		r.logger.Warn("Next invocation rejected, backing off",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", resp.Body),
			zap.Duration("backoff", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// invoke runs the handler for one invocation and reports the result. Only
// fatal errors are returned.
func (r *Runtime[O]) invoke(ctx context.Context, ic *invocation.Context, event string) error {
	r.setState(StateInvoking)

	logger := r.logger.With(zap.String("requestID", ic.RequestID))
	if err := invocation.ExportTraceID(ic); err != nil {
		logger.Warn("Failed to export trace id", zap.Error(err))
	}

	attrs := []attribute.KeyValue{
		attribute.String("faas.invocation_id", ic.RequestID),
		attribute.String("faas.trigger", "other"),
	}
	if ic.InvokedFunctionArn != "" {
		attrs = append(attrs, attribute.String("aws.lambda.invoked_arn", ic.InvokedFunctionArn))
	}
	if ic.TraceID != "" {
		attrs = append(attrs, attribute.String("aws.xray.trace_id", ic.TraceID))
	}

	ctx, span := r.tracer.Start(invocation.NewContext(ctx, ic), "runtime.invocation",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...))
	defer span.End()

	start := r.now()
	logger.Debug("Invoking handler", zap.Int("eventBytes", len(event)))

	output, err := r.callHandler(ctx, event, ic)
	var body []byte
	if err == nil {
		body, err = runtimeapi.EncodeResponse(output)
		if err != nil {
			err = rterrors.WithType(rterrors.ErrorTypeSerialization, err)
		}
	}
	processingTime := r.now().Sub(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", processingTime.Milliseconds()))

	r.setState(StateReporting)
	// the report must go out even if shutdown started while the handler ran
	reportCtx := context.WithoutCancel(ctx)

	record := outcome.Record{
		InstanceID:   r.instanceID,
		RequestID:    ic.RequestID,
		FunctionName: r.config.Function.Name,
		DurationMs:   processingTime.Milliseconds(),
	}

	var reportErr error
	if err != nil {
		kind := rterrors.ErrorType(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Handler failed",
			zap.String("errorType", kind),
			zap.Duration("processingTime", processingTime),
			zap.Error(err))
		r.reporter.CaptureInvocationError(ic, kind, err)

		errBody := runtimeapi.NewErrorResponse(err.Error(), kind)
		reportErr = r.post(reportCtx, rterrors.PhaseReport, r.endpoints.InvocationError(ic.RequestID), errBody.Encode(), errBody.Header())

		record.Status = outcome.StatusError
		record.ErrorType = kind
		record.ErrorMessage = err.Error()
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info("Handler succeeded",
			zap.Duration("processingTime", processingTime),
			zap.Int("responseBytes", len(body)))

		reportErr = r.post(reportCtx, rterrors.PhaseReport, r.endpoints.InvocationResponse(ic.RequestID), body, nil)

		record.Status = outcome.StatusSuccess
		record.ResponseBytes = len(body)
	}

	if rterrors.IsFatal(reportErr) {
		return reportErr
	}
	if reportErr != nil {
		logger.Error("Failed to report invocation result, continuing", zap.Error(reportErr))
	}

	record.Delivered = reportErr == nil
	record.ReportedAt = r.now()
	if err := r.sink.Publish(reportCtx, record); err != nil {
		logger.Warn("Failed to publish invocation outcome", zap.Error(err))
	}

	return nil
}

// callInitialize runs Initialize, turning a panic into an error.
func (r *Runtime[O]) callInitialize(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Handler panicked during initialization",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = rterrors.WithType(rterrors.ErrorTypeInit, fmt.Errorf("handler panic: %v", p))
		}
	}()
	return r.handler.Initialize(ctx)
}

// callHandler runs OnEvent, turning a panic into an invocation error.
func (r *Runtime[O]) callHandler(ctx context.Context, event string, ic *invocation.Context) (out O, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Handler panicked",
				zap.String("requestID", ic.RequestID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = rterrors.WithType(rterrors.ErrorTypeHandlerPanic, fmt.Errorf("handler panic: %v", p))
		}
	}()
	return r.handler.OnEvent(ctx, event, ic)
}

// post delivers a report. I/O failures and unexpected statuses are returned
// as plain errors; a 500 means the environment is gone and is fatal.
func (r *Runtime[O]) post(ctx context.Context, phase rterrors.Phase, url string, body []byte, header http.Header) error {
	resp, err := r.transport.Post(ctx, url, body, header)
	if err != nil {
		return fmt.Errorf("%w: %w", rterrors.ErrReportFailed, err)
	}
	if runtimeapi.IsContainerError(resp.StatusCode) {
		return rterrors.NewFatalError(phase,
			fmt.Errorf("%w: %s returned %d: %s", rterrors.ErrContainerFailure, url, resp.StatusCode, resp.Body))
	}
	if !runtimeapi.IsSuccess(resp.StatusCode) {
		return fmt.Errorf("%w: %s returned %d: %s", rterrors.ErrReportFailed, url, resp.StatusCode, resp.Body)
	}
	return nil
}
