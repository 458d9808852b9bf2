// Package runtimeapi describes the wire protocol of the local Runtime API:
// endpoint layout, invocation headers and the structured error body.
package runtimeapi

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultVersion is the Runtime API version prefix used in every path.
const DefaultVersion = "2018-06-01"

// Headers carried by a next-invocation response, plus the error type header
// sent along with error reports.
const (
	HeaderRequestID          = "Lambda-Runtime-Aws-Request-Id"
	HeaderDeadlineMs         = "Lambda-Runtime-Deadline-Ms"
	HeaderInvokedFunctionArn = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderTraceID            = "Lambda-Runtime-Trace-Id"
	HeaderClientContext      = "Lambda-Runtime-Client-Context"
	HeaderCognitoIdentity    = "Lambda-Runtime-Cognito-Identity"
	HeaderFunctionErrorType  = "Lambda-Runtime-Function-Error-Type"
)

// Endpoints builds Runtime API URLs for one control plane.
type Endpoints struct {
	base    string
	version string
}

// NewEndpoints creates endpoints for base (host:port, an http:// prefix is
// tolerated) and version (a leading slash is dropped).
func NewEndpoints(base, version string) Endpoints {
	base = strings.TrimSuffix(strings.TrimPrefix(base, "http://"), "/")
	version = strings.Trim(version, "/")
	if version == "" {
		version = DefaultVersion
	}
	return Endpoints{base: base, version: version}
}

// Base returns the normalized host:port of the control plane.
func (e Endpoints) Base() string {
	return e.base
}

// Version returns the normalized protocol version.
func (e Endpoints) Version() string {
	return e.version
}

// NextInvocation is the blocking endpoint that hands out the next event.
func (e Endpoints) NextInvocation() string {
	return e.url("runtime/invocation/next")
}

// InvocationResponse is where a successful result for requestID is posted.
func (e Endpoints) InvocationResponse(requestID string) string {
	return e.url("runtime/invocation/" + url.PathEscape(requestID) + "/response")
}

// InvocationError is where a failed result for requestID is posted.
func (e Endpoints) InvocationError(requestID string) string {
	return e.url("runtime/invocation/" + url.PathEscape(requestID) + "/error")
}

// InitError is where initialization failures are posted, before any poll.
func (e Endpoints) InitError() string {
	return e.url("runtime/init/error")
}

func (e Endpoints) url(path string) string {
	return fmt.Sprintf("http://%s/%s/%s", e.base, e.version, path)
}

// IsSuccess reports whether status is 2xx.
func IsSuccess(status int) bool {
	return status >= 200 && status <= 299
}

// IsClientError reports whether status is 4xx.
func IsClientError(status int) bool {
	return status >= 400 && status <= 499
}

// IsServerError reports whether status is 5xx.
func IsServerError(status int) bool {
	return status >= 500 && status <= 599
}

// IsContainerError reports whether status signals that the execution
// environment is in a non-recoverable state and the runtime should exit.
func IsContainerError(status int) bool {
	return status == 500
}
