// Package transport provides the blocking GET/POST capability the runtime
// loop uses to talk to the Runtime API, plus a bounded-retry decorator.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	rterrors "github.com/wehubfusion/lambdaruntime/pkg/errors"
)

// Response is a fully read control plane response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport is everything the runtime needs from an HTTP client. Returned
// errors mean the exchange failed at the I/O level; any HTTP status,
// including 4xx and 5xx, is a successful exchange.
type Transport interface {
	Get(ctx context.Context, url string) (*Response, error)
	Post(ctx context.Context, url string, body []byte, header http.Header) (*Response, error)
}

// HTTP is the net/http backed Transport.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates a Transport suited to the Runtime API: a single keep-alive
// connection to a local endpoint and no overall timeout, because the
// next-invocation call blocks until the platform has work.
func NewHTTP() *HTTP {
	return &HTTP{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        1,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     0,
			},
		},
	}
}

// NewHTTPWithClient wraps an existing client.
func NewHTTPWithClient(client *http.Client) *HTTP {
	return &HTTP{client: client}
}

// Get implements Transport.
func (t *HTTP) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, rterrors.NewError("TRANSPORT_REQUEST", "failed to build GET request", err)
	}
	return t.do(req)
}

// Post implements Transport.
func (t *HTTP) Post(ctx context.Context, url string, body []byte, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, rterrors.NewError("TRANSPORT_REQUEST", "failed to build POST request", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return t.do(req)
}

func (t *HTTP) do(req *http.Request) (*Response, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, rterrors.NewError("TRANSPORT_IO", fmt.Sprintf("%s %s failed", req.Method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rterrors.NewError("TRANSPORT_IO", fmt.Sprintf("reading %s %s response failed", req.Method, req.URL.Path), err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
