// Package transport is the layered HTTP request pipeline used for all calls
// to the cloud services.
//
// The innermost layer performs a plain request; decorators applied
// outer-to-inner add bounded retries, auth-header injection with a single
// reauthenticating re-drive, and status checking. A Bound client pre-binds a
// service name and region so callers pass only relative paths; the absolute
// URL is resolved from the tenant's service catalog on every call.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is the effectful description handed down the pipeline.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	// SuccessCodes are the statuses the status-check layer accepts.
	// Nil means {200}.
	SuccessCodes []int

	// ReauthCodes are the statuses that trigger cache invalidation and a
	// single re-drive. Nil means {401, 403}.
	ReauthCodes []int
}

// Response is the raw pipeline result.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Doer executes one request. Decorators are Doer -> Doer.
type Doer func(ctx context.Context, req *Request) (*Response, error)

// APIError is a remote rejection: the response status was outside the
// request's success codes.
type APIError struct {
	Code    int
	Body    []byte
	Headers http.Header
	Method  string
	URL     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transport: %s %s returned %d: %s", e.Method, e.URL, e.Code, truncate(e.Body, 256))
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

func (r *Request) successCodes() []int {
	if r.SuccessCodes == nil {
		return []int{http.StatusOK}
	}
	return r.SuccessCodes
}

func (r *Request) reauthCodes() []int {
	if r.ReauthCodes == nil {
		return []int{http.StatusUnauthorized, http.StatusForbidden}
	}
	return r.ReauthCodes
}

func contains(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// NewBaseDoer performs requests with the given client, bounding each one by
// timeout unless the context already carries an earlier deadline.
func NewBaseDoer(client *http.Client, timeout time.Duration) Doer {
	return func(ctx context.Context, req *Request) (*Response, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
		if err != nil {
			return nil, fmt.Errorf("transport: build request: %w", err)
		}
		for k, vs := range req.Headers {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("transport: %s %s: %w", req.Method, req.URL, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: read response: %w", err)
		}
		return &Response{
			Status:  resp.StatusCode,
			Headers: resp.Header,
			Body:    respBody,
		}, nil
	}
}
