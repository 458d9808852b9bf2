package runtimeapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	rterrors "github.com/wehubfusion/lambdaruntime/pkg/errors"
)

// ErrorResponse is the body posted to the error and init-error endpoints.
type ErrorResponse struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
}

// NewErrorResponse builds an error body; an empty kind becomes Unhandled.
func NewErrorResponse(message, kind string) ErrorResponse {
	if kind == "" {
		kind = rterrors.ErrorTypeUnhandled
	}
	return ErrorResponse{ErrorMessage: message, ErrorType: kind}
}

// ErrorResponseFor renders err and classifies it with errors.ErrorType.
func ErrorResponseFor(err error) ErrorResponse {
	if err == nil {
		return NewErrorResponse("", "")
	}
	return NewErrorResponse(err.Error(), rterrors.ErrorType(err))
}

// Encode returns the JSON body. HTML escaping is off so messages reach the
// control plane exactly as the handler wrote them.
func (r ErrorResponse) Encode() []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// two string fields cannot fail to encode
	_ = enc.Encode(r)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// Header returns the request headers that accompany this error report.
func (r ErrorResponse) Header() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if r.ErrorType != "" {
		h.Set(HeaderFunctionErrorType, r.ErrorType)
	}
	return h
}

// EncodeResponse serializes a handler output into a response body. Raw byte
// outputs are sent untouched, everything else is encoded as JSON.
func EncodeResponse(v any) ([]byte, error) {
	switch out := v.(type) {
	case json.RawMessage:
		return out, nil
	case []byte:
		return out, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", rterrors.ErrSerialization, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
