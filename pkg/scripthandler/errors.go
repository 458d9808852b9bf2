package scripthandler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// Error types reported for failures that happen outside user code.
const (
	ErrorTypeMalformedHandler  = "Runtime.MalformedHandlerName"
	ErrorTypeImportModule      = "Runtime.ImportModuleError"
	ErrorTypeHandlerNotFound   = "Runtime.HandlerNotFound"
	ErrorTypeSyntax            = "Runtime.UserCodeSyntaxError"
	ErrorTypeTimeout           = "Runtime.ScriptTimeout"
	ErrorTypeUnresolvedPromise = "Runtime.UnresolvedPromise"
)

// ScriptError is a failure raised by, or on behalf of, the script. Name is
// reported as the errorType.
type ScriptError struct {
	Name    string
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	return e.Message
}

// ErrorType implements the errorType classification of the runtime.
func (e *ScriptError) ErrorType() string {
	return e.Name
}

func newScriptError(name, format string, args ...any) *ScriptError {
	return &ScriptError{Name: name, Message: fmt.Sprintf(format, args...)}
}

// fromValue converts a thrown or rejected JS value. Error objects keep their
// name and message; anything else is rendered as a string.
func fromValue(vm *goja.Runtime, v goja.Value) *ScriptError {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &ScriptError{Message: "script failed without a reason"}
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return &ScriptError{Message: v.String()}
	}

	se := &ScriptError{Message: v.String()}
	if name := obj.Get("name"); isPresent(name) {
		se.Name = name.String()
	}
	if msg := obj.Get("message"); isPresent(msg) {
		se.Message = msg.String()
	}
	if stack := obj.Get("stack"); isPresent(stack) {
		se.Stack = strings.TrimSpace(stack.String())
	}
	return se
}

// fromError classifies an error returned by goja.
func fromError(vm *goja.Runtime, err error) *ScriptError {
	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return newScriptError(ErrorTypeTimeout, "script interrupted: %v", interrupted.Value())
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return newScriptError(ErrorTypeSyntax, "%s", syntax.Error())
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		se := fromValue(vm, exc.Value())
		if se.Name == "SyntaxError" {
			se.Name = ErrorTypeSyntax
		}
		return se
	}

	return &ScriptError{Message: err.Error()}
}

func isPresent(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}
