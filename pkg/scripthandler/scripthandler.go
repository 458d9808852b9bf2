// Package scripthandler runs a JavaScript function as the function handler.
// The handler file is a CommonJS module under the task root; _HANDLER names
// the file and the exported function, e.g. "index.handler" for
// exports.handler in index.js.
package scripthandler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/lambdaruntime/pkg/config"
	rterrors "github.com/wehubfusion/lambdaruntime/pkg/errors"
	"github.com/wehubfusion/lambdaruntime/pkg/handler"
	"github.com/wehubfusion/lambdaruntime/pkg/invocation"
)

// Config locates the script and describes the function to it.
type Config struct {
	TaskRoot        string
	Handler         string
	FunctionName    string
	FunctionVersion string
	MemorySizeMB    int
	LogGroupName    string
	LogStreamName   string

	// Timeout caps a single invocation in addition to the invocation
	// deadline. Zero means only the deadline applies.
	Timeout time.Duration
}

// ConfigFrom builds a Config from the function environment.
func ConfigFrom(fn config.FunctionConfig) Config {
	return Config{
		TaskRoot:        fn.TaskRoot,
		Handler:         fn.Handler,
		FunctionName:    fn.Name,
		FunctionVersion: fn.Version,
		MemorySizeMB:    fn.MemorySizeMB,
		LogGroupName:    fn.LogGroupName,
		LogStreamName:   fn.LogStreamName,
	}
}

// Handler runs the exported function in a single goja VM that lives for the
// whole execution environment, so module level state survives between
// invocations like it does on the managed runtimes.
type Handler struct {
	config Config
	logger *zap.Logger

	vm        *goja.Runtime
	fn        goja.Callable
	requestID string
}

var _ handler.Handler[any] = (*Handler)(nil)

// New creates a script handler. Nothing is loaded until Initialize.
func New(cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{config: cfg, logger: logger.With(zap.String("handler", cfg.Handler))}
}

// Initialize loads the handler file and resolves the exported function.
func (h *Handler) Initialize(ctx context.Context) error {
	file, export, err := splitHandler(h.config.Handler)
	if err != nil {
		return err
	}

	path, err := resolvePath(h.config.TaskRoot, file)
	if err != nil {
		return err
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return newScriptError(ErrorTypeImportModule, "cannot load module %s: %v", file, err)
	}

	vm := goja.New()
	module, err := applySandbox(vm, h.logger, func() string { return h.requestID })
	if err != nil {
		return rterrors.WithType(rterrors.ErrorTypeInit, err)
	}

	start := time.Now()
	if _, err := vm.RunScript(path, string(src)); err != nil {
		return fromError(vm, err)
	}

	fn, err := lookupExport(vm, module, export)
	if err != nil {
		return err
	}

	h.vm = vm
	h.fn = fn
	h.logger.Info("Script handler loaded",
		zap.String("path", path),
		zap.Duration("loadTime", time.Since(start)))
	return nil
}

// OnEvent calls the exported function with the decoded event and a context
// object. A returned promise is settled before the result is used.
func (h *Handler) OnEvent(ctx context.Context, event string, ic *invocation.Context) (any, error) {
	if h.fn == nil {
		return nil, rterrors.WithType(rterrors.ErrorTypeInit, fmt.Errorf("script handler is not initialized"))
	}

	h.requestID = ic.RequestID
	defer func() { h.requestID = "" }()

	stop := h.watchdog(ic)
	res, err := h.fn(goja.Undefined(), h.vm.ToValue(decodeEvent(event)), h.contextObject(ic))
	stop()
	if err != nil {
		return nil, fromError(h.vm, err)
	}

	if p, ok := res.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			res = p.Result()
		case goja.PromiseStateRejected:
			return nil, fromValue(h.vm, p.Result())
		default:
			return nil, newScriptError(ErrorTypeUnresolvedPromise, "handler returned a promise that never settled")
		}
	}

	if !isPresent(res) {
		return nil, nil
	}
	return res.Export(), nil
}

// watchdog interrupts the VM when the invocation deadline, or the configured
// timeout, passes. The returned func must be called once the call returned.
func (h *Handler) watchdog(ic *invocation.Context) func() {
	deadline, _ := ic.Deadline()
	if h.config.Timeout > 0 {
		if limit := time.Now().Add(h.config.Timeout); deadline.IsZero() || limit.Before(deadline) {
			deadline = limit
		}
	}
	if deadline.IsZero() {
		return func() {}
	}

	timer := time.NewTimer(time.Until(deadline))
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-timer.C:
			h.vm.Interrupt(fmt.Sprintf("deadline of request %s exceeded", ic.RequestID))
		case <-done:
		}
	}()

	return func() {
		timer.Stop()
		close(done)
		wg.Wait()
		h.vm.ClearInterrupt()
	}
}

func (h *Handler) contextObject(ic *invocation.Context) *goja.Object {
	obj := h.vm.NewObject()
	_ = obj.Set("awsRequestId", ic.RequestID)
	_ = obj.Set("invokedFunctionArn", ic.InvokedFunctionArn)
	_ = obj.Set("functionName", h.config.FunctionName)
	_ = obj.Set("functionVersion", h.config.FunctionVersion)
	_ = obj.Set("memoryLimitInMB", strconv.Itoa(h.config.MemorySizeMB))
	_ = obj.Set("logGroupName", h.config.LogGroupName)
	_ = obj.Set("logStreamName", h.config.LogStreamName)
	_ = obj.Set("deadlineMs", ic.DeadlineMs)
	_ = obj.Set("getRemainingTimeInMillis", func() int64 {
		remaining, err := ic.RemainingTime(time.Now())
		if err != nil {
			return 0
		}
		return remaining.Milliseconds()
	})
	if ic.ClientContext != "" {
		_ = obj.Set("clientContext", decodeEvent(ic.ClientContext))
	}
	if ic.CognitoIdentity != "" {
		_ = obj.Set("identity", decodeEvent(ic.CognitoIdentity))
	}
	return obj
}

// decodeEvent parses JSON payloads; anything else is passed as a string.
func decodeEvent(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func splitHandler(name string) (file, export string, err error) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", newScriptError(ErrorTypeMalformedHandler, "bad handler %q: expected <file>.<export>", name)
	}
	return name[:idx], name[idx+1:], nil
}

func resolvePath(root, file string) (string, error) {
	if root == "" {
		root = "."
	}
	path := filepath.Join(root, file+".js")
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", newScriptError(ErrorTypeMalformedHandler, "handler file %q is outside the task root", file)
	}
	return path, nil
}

// lookupExport finds export on module.exports, then on the global object.
func lookupExport(vm *goja.Runtime, module *goja.Object, export string) (goja.Callable, error) {
	candidates := []goja.Value{}
	if exports := module.Get("exports"); isPresent(exports) {
		candidates = append(candidates, exports.ToObject(vm).Get(export))
	}
	candidates = append(candidates, vm.Get(export))

	for _, v := range candidates {
		if !isPresent(v) {
			continue
		}
		if fn, ok := goja.AssertFunction(v); ok {
			return fn, nil
		}
		return nil, newScriptError(ErrorTypeHandlerNotFound, "%s is not a function", export)
	}
	return nil, newScriptError(ErrorTypeHandlerNotFound, "%s is undefined or not exported", export)
}
