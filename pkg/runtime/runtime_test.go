package runtime

import (
	"context"
	"errors"
	"math"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/lambdaruntime/internal/fakeapi"
	"github.com/wehubfusion/lambdaruntime/pkg/config"
	rterrors "github.com/wehubfusion/lambdaruntime/pkg/errors"
	"github.com/wehubfusion/lambdaruntime/pkg/handler"
	"github.com/wehubfusion/lambdaruntime/pkg/invocation"
	"github.com/wehubfusion/lambdaruntime/pkg/outcome"
	"github.com/wehubfusion/lambdaruntime/pkg/runtimeapi"
	"github.com/wehubfusion/lambdaruntime/pkg/transport"
)

type echoOutput struct {
	Msg   string `json:"msg"`
	ReqID string `json:"req_id"`
}

func echo(_ context.Context, event string, ic *invocation.Context) (echoOutput, error) {
	if event == "" || event == `""` {
		return echoOutput{}, errors.New("Empty input, nothing to echo.")
	}
	return echoOutput{Msg: "ECHO: " + event, ReqID: ic.RequestID}, nil
}

func testConfig(srv *fakeapi.Server) config.Config {
	return config.Config{
		RuntimeAPI: srv.Base(),
		Version:    runtimeapi.DefaultVersion,
		Retry:      transport.RetryConfig{MaxAttempts: 1},
		PollBackoff: config.BackoffConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
		Function: config.FunctionConfig{Name: "echo", Version: "$LATEST"},
	}
}

func newRuntime[O any](t *testing.T, srv *fakeapi.Server, h handler.Handler[O], opts ...Option) *Runtime[O] {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	rt, err := New(testConfig(srv), transport.NewHTTP(), h, opts...)
	require.NoError(t, err)
	return rt
}

// runUntilDrained runs rt until it polls an empty queue, then cancels it. It
// returns the error Run ended with.
func runUntilDrained[O any](t *testing.T, srv *fakeapi.Server, rt *Runtime[O]) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()

	select {
	case <-srv.Drained():
		cancel()
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not drain the queue")
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop after cancellation")
		return nil
	}
}

// runToCompletion runs rt until it stops on its own.
func runToCompletion[O any](t *testing.T, rt *Runtime[O]) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(context.Background()) }()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
		return nil
	}
}

type recordingSink struct {
	mu      sync.Mutex
	records []outcome.Record
	err     error
}

func (s *recordingSink) Publish(_ context.Context, rec outcome.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingSink) all() []outcome.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outcome.Record(nil), s.records...)
}

type recordingReporter struct {
	mu         sync.Mutex
	invocation []string
	fatal      []error
	flushed    int
}

func (r *recordingReporter) CaptureInvocationError(ic *invocation.Context, errorType string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invocation = append(r.invocation, ic.RequestID+"/"+errorType)
}

func (r *recordingReporter) CaptureFatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatal = append(r.fatal, err)
}

func (r *recordingReporter) Flush(time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
	return true
}

func TestEchoSuccess(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.EnqueueEvent("abc-123", `"hello"`)

	rt := newRuntime[echoOutput](t, srv, handler.Func[echoOutput](echo))
	err := runUntilDrained(t, srv, rt)
	assert.ErrorIs(t, err, context.Canceled)

	reports := srv.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, fakeapi.KindResponse, reports[0].Kind)
	assert.Equal(t, "abc-123", reports[0].RequestID)
	assert.JSONEq(t, `{"msg":"ECHO: \"hello\"","req_id":"abc-123"}`, string(reports[0].Body))

	// the loop polled again after reporting
	assert.Equal(t, 2, srv.Polls())
	assert.Equal(t, StateTerminated, rt.State())
}

func TestEchoEmptyInput(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.EnqueueEvent("abc-123", `""`)

	rt := newRuntime[echoOutput](t, srv, handler.Func[echoOutput](echo))
	require.ErrorIs(t, runUntilDrained(t, srv, rt), context.Canceled)

	reports := srv.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, fakeapi.KindError, reports[0].Kind)
	assert.Equal(t, "abc-123", reports[0].RequestID)
	assert.Equal(t, `{"errorMessage":"Empty input, nothing to echo.","errorType":"Unhandled"}`, string(reports[0].Body))
	assert.Equal(t, "Unhandled", reports[0].Header.Get(runtimeapi.HeaderFunctionErrorType))
	assert.Equal(t, 2, srv.Polls())
}

func TestInitializationFailure(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.EnqueueEvent("abc-123", `"hello"`)

	invoked := false
	h := handler.WithInit(
		func(context.Context) error { return errors.New("cannot open model file") },
		handler.Func[string](func(context.Context, string, *invocation.Context) (string, error) {
			invoked = true
			return "", nil
		}),
	)
	reporter := &recordingReporter{}
	rt := newRuntime[string](t, srv, h, WithErrorReporter(reporter))

	err := runToCompletion(t, rt)
	require.Error(t, err)
	assert.True(t, rterrors.IsFatal(err))
	assert.ErrorIs(t, err, rterrors.ErrInitialization)
	assert.Equal(t, 1, ExitCode(err))

	reports := srv.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, fakeapi.KindInitError, reports[0].Kind)
	assert.JSONEq(t, `{"errorMessage":"cannot open model file","errorType":"Runtime.InitError"}`, string(reports[0].Body))
	assert.Equal(t, "Runtime.InitError", reports[0].Header.Get(runtimeapi.HeaderFunctionErrorType))

	assert.Zero(t, srv.Polls())
	assert.False(t, invoked)
	assert.Len(t, reporter.fatal, 1)
}

func TestInitializationPanic(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()

	h := handler.WithInit(
		func(context.Context) error { panic("no config") },
		handler.Func[string](func(context.Context, string, *invocation.Context) (string, error) { return "", nil }),
	)
	rt := newRuntime[string](t, srv, h)

	err := runToCompletion(t, rt)
	require.True(t, rterrors.IsFatal(err))

	reports := srv.ReportsOf(fakeapi.KindInitError)
	require.Len(t, reports, 1)
	assert.Contains(t, string(reports[0].Body), "handler panic: no config")
	assert.Zero(t, srv.Polls())
}

func TestMissingRequestIDIsFatal(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.Enqueue(fakeapi.Invocation{Body: `"hello"`, OmitRequestID: true})

	calls := 0
	rt := newRuntime[string](t, srv, handler.Func[string](func(context.Context, string, *invocation.Context) (string, error) {
		calls++
		return "ok", nil
	}))

	err := runToCompletion(t, rt)
	require.Error(t, err)
	assert.True(t, rterrors.IsMissingRequestID(err))
	assert.NotZero(t, ExitCode(err))

	var fatal *rterrors.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, rterrors.PhaseContext, fatal.Phase)

	assert.Zero(t, calls)
	assert.Empty(t, srv.Reports())
}

func TestIdenticalInvocationsYieldIdenticalReports(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	for i := 0; i < 3; i++ {
		srv.EnqueueEvent("abc-123", `"hello"`)
	}
	srv.EnqueueEvent("abc-123", `""`)
	srv.EnqueueEvent("abc-123", `""`)

	rt := newRuntime[echoOutput](t, srv, handler.Func[echoOutput](echo))
	require.ErrorIs(t, runUntilDrained(t, srv, rt), context.Canceled)

	responses := srv.ReportsOf(fakeapi.KindResponse)
	require.Len(t, responses, 3)
	assert.Equal(t, responses[0].Body, responses[1].Body)
	assert.Equal(t, responses[1].Body, responses[2].Body)

	errs := srv.ReportsOf(fakeapi.KindError)
	require.Len(t, errs, 2)
	assert.Equal(t, errs[0].Body, errs[1].Body)
}

func TestInvocationsAreProcessedInOrder(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	ids := []string{"req-1", "req-2", "req-3", "req-4"}
	for _, id := range ids {
		srv.EnqueueEvent(id, `"x"`)
	}

	rt := newRuntime[echoOutput](t, srv, handler.Func[echoOutput](echo))
	require.ErrorIs(t, runUntilDrained(t, srv, rt), context.Canceled)

	reports := srv.Reports()
	require.Len(t, reports, len(ids))
	for i, id := range ids {
		assert.Equal(t, id, reports[i].RequestID)
	}
}

func TestReportTransportFailureDoesNotStopLoop(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.EnqueueEvent("req-1", `"a"`)
	srv.EnqueueEvent("req-2", `"b"`)
	srv.DropReports(1)

	sink := &recordingSink{}
	rt := newRuntime[echoOutput](t, srv, handler.Func[echoOutput](echo), WithOutcomeSink(sink))
	require.ErrorIs(t, runUntilDrained(t, srv, rt), context.Canceled)

	reports := srv.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "req-2", reports[0].RequestID)
	assert.Equal(t, 3, srv.Polls())

	records := sink.all()
	require.Len(t, records, 2)
	assert.False(t, records[0].Delivered)
	assert.True(t, records[1].Delivered)
}

func TestReportRejectedStatusDoesNotStopLoop(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.EnqueueEvent("req-1", `"a"`)
	srv.EnqueueEvent("req-2", `"b"`)
	srv.SetReportStatus(http.StatusRequestEntityTooLarge)

	rt := newRuntime[echoOutput](t, srv, handler.Func[echoOutput](echo))
	require.ErrorIs(t, runUntilDrained(t, srv, rt), context.Canceled)

	assert.Len(t, srv.Reports(), 2)
	assert.Equal(t, 3, srv.Polls())
}

func TestReportContainerErrorIsFatal(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.EnqueueEvent("req-1", `"a"`)
	srv.EnqueueEvent("req-2", `"b"`)
	srv.SetReportStatus(http.StatusInternalServerError)

	rt := newRuntime[echoOutput](t, srv, handler.Func[echoOutput](echo))
	err := runToCompletion(t, rt)
	require.Error(t, err)
	assert.True(t, rterrors.IsContainerFailure(err))

	var fatal *rterrors.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, rterrors.PhaseReport, fatal.Phase)
	assert.Equal(t, 1, srv.Polls())
}

func TestPollContainerErrorIsFatal(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.FailPolls(http.StatusInternalServerError, 1)
	srv.EnqueueEvent("req-1", `"a"`)

	reporter := &recordingReporter{}
	rt := newRuntime[echoOutput](t, srv, handler.Func[echoOutput](echo), WithErrorReporter(reporter))
	err := runToCompletion(t, rt)
	require.Error(t, err)
	assert.True(t, rterrors.IsContainerFailure(err))
	assert.Equal(t, 1, ExitCode(err))
	assert.Empty(t, srv.Reports())
	assert.Len(t, reporter.fatal, 1)
}

func TestPollRejectionIsRetried(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.FailPolls(http.StatusTooManyRequests, 2)
	srv.EnqueueEvent("req-1", `"a"`)

	rt := newRuntime[echoOutput](t, srv, handler.Func[echoOutput](echo))
	require.ErrorIs(t, runUntilDrained(t, srv, rt), context.Canceled)

	assert.Len(t, srv.ReportsOf(fakeapi.KindResponse), 1)
	assert.Equal(t, 4, srv.Polls())
}

type failingTransport struct{}

func (failingTransport) Get(context.Context, string) (*transport.Response, error) {
	return nil, errors.New("connection refused")
}

func (failingTransport) Post(context.Context, string, []byte, http.Header) (*transport.Response, error) {
	return nil, errors.New("connection refused")
}

func TestPollTransportFailureIsFatal(t *testing.T) {
	cfg := config.Config{
		RuntimeAPI:  "127.0.0.1:9001",
		Retry:       transport.RetryConfig{MaxAttempts: 1},
		PollBackoff: config.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}
	rt, err := New[string](cfg, failingTransport{}, handler.Func[string](func(context.Context, string, *invocation.Context) (string, error) {
		return "", nil
	}))
	require.NoError(t, err)

	err = rt.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, rterrors.ErrPollFailed)

	var fatal *rterrors.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, rterrors.PhasePoll, fatal.Phase)
}

func TestHandlerPanicIsReported(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.EnqueueEvent("req-1", `"boom"`)
	srv.EnqueueEvent("req-2", `"fine"`)

	rt := newRuntime[echoOutput](t, srv, handler.Func[echoOutput](func(ctx context.Context, event string, ic *invocation.Context) (echoOutput, error) {
		if event == `"boom"` {
			panic("index out of range")
		}
		return echo(ctx, event, ic)
	}))
	require.ErrorIs(t, runUntilDrained(t, srv, rt), context.Canceled)

	reports := srv.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, fakeapi.KindError, reports[0].Kind)
	assert.JSONEq(t, `{"errorMessage":"handler panic: index out of range","errorType":"Runtime.HandlerPanic"}`, string(reports[0].Body))
	assert.Equal(t, fakeapi.KindResponse, reports[1].Kind)
}

func TestSerializationFailureIsReported(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.EnqueueEvent("req-1", `"a"`)

	rt := newRuntime[float64](t, srv, handler.Func[float64](func(context.Context, string, *invocation.Context) (float64, error) {
		return math.Inf(1), nil
	}))
	require.ErrorIs(t, runUntilDrained(t, srv, rt), context.Canceled)

	reports := srv.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, fakeapi.KindError, reports[0].Kind)
	assert.Equal(t, rterrors.ErrorTypeSerialization, reports[0].Header.Get(runtimeapi.HeaderFunctionErrorType))
	assert.Contains(t, string(reports[0].Body), `"errorType":"Runtime.SerializationError"`)
	assert.Equal(t, 2, srv.Polls())
}

func TestTypedHandlerError(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.EnqueueEvent("req-1", `{}`)

	reporter := &recordingReporter{}
	rt := newRuntime[string](t, srv, handler.Func[string](func(context.Context, string, *invocation.Context) (string, error) {
		return "", rterrors.WithType("InvalidInput", errors.New("field <name> is required"))
	}), WithErrorReporter(reporter))
	require.ErrorIs(t, runUntilDrained(t, srv, rt), context.Canceled)

	reports := srv.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, `{"errorMessage":"field <name> is required","errorType":"InvalidInput"}`, string(reports[0].Body))
	assert.Equal(t, []string{"req-1/InvalidInput"}, reporter.invocation)
	assert.Empty(t, reporter.fatal)
}

func TestRawOutputIsSentVerbatim(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.EnqueueEvent("req-1", `{"a":1}`)

	rt := newRuntime[[]byte](t, srv, handler.Func[[]byte](func(_ context.Context, event string, _ *invocation.Context) ([]byte, error) {
		return []byte(event), nil
	}))
	require.ErrorIs(t, runUntilDrained(t, srv, rt), context.Canceled)

	reports := srv.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, `{"a":1}`, string(reports[0].Body))
}

func TestInvocationContextReachesHandler(t *testing.T) {
	t.Setenv(invocation.TraceIDEnv, "")

	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	deadline := time.Now().Add(time.Minute).UnixMilli()
	srv.Enqueue(fakeapi.Invocation{
		RequestID:   "abc-123",
		Body:        `"hello"`,
		DeadlineMs:  deadline,
		FunctionArn: "arn:aws:lambda:eu-west-1:123456789012:function:echo",
		TraceID:     "Root=1-5759e988-bd862e3fe1be46a994272793;Sampled=1",
	})

	var (
		seen      *invocation.Context
		fromCtx   *invocation.Context
		lc        *lambdacontext.LambdaContext
		traceEnv  string
		stateSeen State
		rt        *Runtime[string]
	)
	rt = newRuntime[string](t, srv, handler.Func[string](func(ctx context.Context, _ string, ic *invocation.Context) (string, error) {
		seen = ic
		fromCtx, _ = invocation.FromContext(ctx)
		lc, _ = lambdacontext.FromContext(ctx)
		traceEnv = os.Getenv(invocation.TraceIDEnv)
		stateSeen = rt.State()
		return "ok", nil
	}))
	require.ErrorIs(t, runUntilDrained(t, srv, rt), context.Canceled)

	require.NotNil(t, seen)
	assert.Equal(t, "abc-123", seen.RequestID)
	assert.Equal(t, deadline, seen.DeadlineMs)
	assert.Equal(t, "arn:aws:lambda:eu-west-1:123456789012:function:echo", seen.InvokedFunctionArn)
	assert.Same(t, seen, fromCtx)
	require.NotNil(t, lc)
	assert.Equal(t, "abc-123", lc.AwsRequestID)
	assert.Equal(t, "Root=1-5759e988-bd862e3fe1be46a994272793;Sampled=1", traceEnv)
	assert.Equal(t, StateInvoking, stateSeen)
}

func TestOutcomeRecords(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	srv.EnqueueEvent("req-1", `"a"`)
	srv.EnqueueEvent("req-2", `""`)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sink := &recordingSink{err: errors.New("broker down")}
	rt := newRuntime[echoOutput](t, srv, handler.Func[echoOutput](echo),
		WithOutcomeSink(sink),
		WithInstanceID("instance-1"),
		WithClock(func() time.Time { return now }))
	assert.Equal(t, "instance-1", rt.InstanceID())

	// a failing sink does not affect the loop
	require.ErrorIs(t, runUntilDrained(t, srv, rt), context.Canceled)
	assert.Len(t, srv.Reports(), 2)

	records := sink.all()
	require.Len(t, records, 2)

	assert.Equal(t, "instance-1", records[0].InstanceID)
	assert.Equal(t, "req-1", records[0].RequestID)
	assert.Equal(t, "echo", records[0].FunctionName)
	assert.Equal(t, outcome.StatusSuccess, records[0].Status)
	assert.Positive(t, records[0].ResponseBytes)
	assert.True(t, records[0].Delivered)
	assert.Equal(t, now, records[0].ReportedAt)

	assert.Equal(t, outcome.StatusError, records[1].Status)
	assert.Equal(t, "Unhandled", records[1].ErrorType)
	assert.Equal(t, "Empty input, nothing to echo.", records[1].ErrorMessage)
}

func TestNewValidation(t *testing.T) {
	srv := fakeapi.New(runtimeapi.DefaultVersion)
	defer srv.Close()
	h := handler.Func[echoOutput](echo)

	_, err := New[echoOutput](testConfig(srv), nil, h)
	assert.Error(t, err)

	_, err = New[echoOutput](testConfig(srv), transport.NewHTTP(), nil)
	assert.Error(t, err)

	_, err = New[echoOutput](config.Config{}, transport.NewHTTP(), h)
	assert.ErrorIs(t, err, rterrors.ErrInvalidConfig)

	rt, err := New[echoOutput](testConfig(srv), transport.NewHTTP(), h)
	require.NoError(t, err)
	assert.NotEmpty(t, rt.InstanceID())
	assert.Equal(t, StateInitializing, rt.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "invoking", StateInvoking.String())
	assert.Equal(t, "reporting", StateReporting.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "state(42)", State(42).String())
}
