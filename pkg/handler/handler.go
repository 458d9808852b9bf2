// Package handler defines the contract between the runtime loop and user
// business logic.
package handler

import (
	"context"

	"github.com/wehubfusion/lambdaruntime/pkg/invocation"
)

// Handler is the user supplied unit of work, parameterized over its output
// type O. O must be encodable as JSON, or be []byte / json.RawMessage to be
// sent verbatim.
//
// Initialize is called exactly once before the first poll; a failure is fatal
// for the process. OnEvent is called once per invocation, never concurrently.
// An OnEvent error is reported for that invocation only. Errors may implement
// ErrorType() string to choose the errorType sent to the control plane.
type Handler[O any] interface {
	Initialize(ctx context.Context) error
	OnEvent(ctx context.Context, event string, ic *invocation.Context) (O, error)
}

// Func adapts a plain function with no initialization step to Handler.
type Func[O any] func(ctx context.Context, event string, ic *invocation.Context) (O, error)

// Initialize implements Handler.
func (f Func[O]) Initialize(context.Context) error {
	return nil
}

// OnEvent implements Handler.
func (f Func[O]) OnEvent(ctx context.Context, event string, ic *invocation.Context) (O, error) {
	return f(ctx, event, ic)
}

type withInit[O any] struct {
	init func(ctx context.Context) error
	fn   Func[O]
}

// WithInit pairs an initialization function with an event function.
func WithInit[O any](init func(ctx context.Context) error, fn Func[O]) Handler[O] {
	return &withInit[O]{init: init, fn: fn}
}

func (h *withInit[O]) Initialize(ctx context.Context) error {
	if h.init == nil {
		return nil
	}
	return h.init(ctx)
}

func (h *withInit[O]) OnEvent(ctx context.Context, event string, ic *invocation.Context) (O, error) {
	return h.fn(ctx, event, ic)
}
