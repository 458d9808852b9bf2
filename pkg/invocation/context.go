// Package invocation holds the per-invocation context extracted from a
// next-invocation response and the helpers that expose it to handlers.
package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"

	rterrors "github.com/wehubfusion/lambdaruntime/pkg/errors"
	"github.com/wehubfusion/lambdaruntime/pkg/runtimeapi"
)

// TraceIDEnv is the variable downstream SDKs read the active trace header from.
const TraceIDEnv = "_X_AMZN_TRACE_ID"

// Context is the immutable metadata of one invocation. Optional fields are
// left at their zero value when the control plane did not send them.
type Context struct {
	RequestID          string
	DeadlineMs         int64
	InvokedFunctionArn string
	TraceID            string
	ClientContext      string
	CognitoIdentity    string
}

// Extract builds a Context from the headers of a next-invocation response.
// The request id is mandatory: without it nothing can be reported back, so
// its absence is returned as ErrMissingRequestID.
func Extract(h http.Header) (*Context, error) {
	requestID := strings.TrimSpace(h.Get(runtimeapi.HeaderRequestID))
	if requestID == "" {
		return nil, rterrors.ErrMissingRequestID
	}

	ic := &Context{
		RequestID:          requestID,
		InvokedFunctionArn: h.Get(runtimeapi.HeaderInvokedFunctionArn),
		TraceID:            h.Get(runtimeapi.HeaderTraceID),
		ClientContext:      h.Get(runtimeapi.HeaderClientContext),
		CognitoIdentity:    h.Get(runtimeapi.HeaderCognitoIdentity),
	}

	// an unparseable deadline is treated like a missing one
	if raw := h.Get(runtimeapi.HeaderDeadlineMs); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			ic.DeadlineMs = ms
		}
	}

	return ic, nil
}

// Deadline returns the invocation deadline, if the control plane sent one.
func (c *Context) Deadline() (time.Time, bool) {
	if c.DeadlineMs <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(c.DeadlineMs), true
}

// RemainingTime is the time left before the deadline as seen from now.
func (c *Context) RemainingTime(now time.Time) (time.Duration, error) {
	deadline, ok := c.Deadline()
	if !ok {
		return 0, errors.New("missing deadline info")
	}
	remaining := deadline.Sub(now)
	if remaining < 0 {
		return 0, errors.New("deadline already passed")
	}
	return remaining, nil
}

// LambdaContext converts c into the aws-lambda-go representation. Client
// context and Cognito identity are decoded best effort; malformed JSON leaves
// the corresponding struct empty.
func (c *Context) LambdaContext() *lambdacontext.LambdaContext {
	lc := &lambdacontext.LambdaContext{
		AwsRequestID:       c.RequestID,
		InvokedFunctionArn: c.InvokedFunctionArn,
	}
	if c.CognitoIdentity != "" {
		_ = json.Unmarshal([]byte(c.CognitoIdentity), &lc.Identity)
	}
	if c.ClientContext != "" {
		_ = json.Unmarshal([]byte(c.ClientContext), &lc.ClientContext)
	}
	return lc
}

type contextKey struct{}

// NewContext returns a copy of parent carrying ic. The aws-lambda-go
// LambdaContext is attached as well so lambdacontext.FromContext works inside
// handlers.
func NewContext(parent context.Context, ic *Context) context.Context {
	ctx := context.WithValue(parent, contextKey{}, ic)
	return lambdacontext.NewContext(ctx, ic.LambdaContext())
}

// FromContext returns the invocation context stored in ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	ic, ok := ctx.Value(contextKey{}).(*Context)
	return ic, ok
}

// ExportTraceID publishes the trace header of ic through TraceIDEnv, or
// clears the variable when the invocation carries no trace.
func ExportTraceID(ic *Context) error {
	if ic == nil || ic.TraceID == "" {
		return os.Unsetenv(TraceIDEnv)
	}
	return os.Setenv(TraceIDEnv, ic.TraceID)
}
