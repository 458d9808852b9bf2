package scripthandler

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// nodeGlobals are Node.js facilities a plain goja VM does not provide. They
// are pinned to undefined so feature detection in bundled code takes the
// non-Node path.
var nodeGlobals = []string{
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

// applySandbox prepares vm for a CommonJS handler file. It returns the
// module object whose exports the handler is looked up in.
func applySandbox(vm *goja.Runtime, console *zap.Logger, requestID func() string) (*goja.Object, error) {
	for _, name := range nodeGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	err := vm.Set("require", func(call goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("require(%q) is not supported, bundle dependencies into the handler file", call.Argument(0).String()))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to install require: %w", err)
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("failed to create module: %w", err)
	}
	if err := vm.Set("module", module); err != nil {
		return nil, fmt.Errorf("failed to install module: %w", err)
	}
	if err := vm.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("failed to install exports: %w", err)
	}

	if err := vm.Set("console", newConsole(vm, console, requestID)); err != nil {
		return nil, fmt.Errorf("failed to install console: %w", err)
	}

	return module, nil
}

// newConsole routes console.* to the structured logger.
func newConsole(vm *goja.Runtime, logger *zap.Logger, requestID func() string) *goja.Object {
	console := vm.NewObject()
	levels := map[string]func(string, ...zap.Field){
		"log":   logger.Info,
		"info":  logger.Info,
		"debug": logger.Debug,
		"warn":  logger.Warn,
		"error": logger.Error,
	}
	for name, log := range levels {
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = renderArg(vm, arg)
			}
			log(strings.Join(parts, " "), zap.String("requestID", requestID()))
			return goja.Undefined()
		})
	}
	return console
}

// renderArg prints objects as JSON like Node's console does for plain data.
func renderArg(vm *goja.Runtime, v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok && obj.ClassName() != "Error" && obj.ClassName() != "Function" {
		if b, err := obj.MarshalJSON(); err == nil {
			return string(b)
		}
	}
	return v.String()
}
