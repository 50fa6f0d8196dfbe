package transport

import (
	"context"
	"errors"
	"net/http"

	retry "github.com/avast/retry-go"

	"github.com/ottercloud/otter/internal/circuitbreaker"
	"github.com/ottercloud/otter/internal/identity"
)

// CheckingStatus fails with *APIError when the response status is outside
// the request's success codes. Innermost decorator.
func CheckingStatus(next Doer) Doer {
	return func(ctx context.Context, req *Request) (*Response, error) {
		resp, err := next(ctx, req)
		if err != nil {
			return nil, err
		}
		if !contains(req.successCodes(), resp.Status) {
			return nil, &APIError{
				Code:    resp.Status,
				Body:    resp.Body,
				Headers: resp.Headers,
				Method:  req.Method,
				URL:     req.URL,
			}
		}
		return resp, nil
	}
}

// Authenticating injects the tenant's auth token, with auth headers winning
// over caller headers on conflict. A response whose status is in the
// request's reauth codes invalidates the cache entry and re-drives the
// request exactly once with a fresh token.
func Authenticating(next Doer, auth identity.Authenticator, tenantID string) Doer {
	drive := func(ctx context.Context, req *Request) (*Response, error) {
		tok, err := auth.Authenticate(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		authed := *req
		authed.Headers = mergeAuthHeaders(req.Headers, tok.Token)
		return next(ctx, &authed)
	}

	return func(ctx context.Context, req *Request) (*Response, error) {
		resp, err := drive(ctx, req)
		var apiErr *APIError
		if errors.As(err, &apiErr) && contains(req.reauthCodes(), apiErr.Code) {
			auth.Invalidate(tenantID)
			return drive(ctx, req)
		}
		return resp, err
	}
}

func mergeAuthHeaders(caller http.Header, token string) http.Header {
	merged := make(http.Header, len(caller)+4)
	for k, vs := range caller {
		merged[k] = append([]string(nil), vs...)
	}
	merged.Set("X-Auth-Token", token)
	merged.Set("Accept", "application/json")
	if merged.Get("Content-Type") == "" {
		merged.Set("Content-Type", "application/json")
	}
	merged.Set("User-Agent", "otter/convergence")
	return merged
}

// RetryPredicate decides whether a failure is worth another attempt.
type RetryPredicate func(error) bool

// DefaultRetryable retries transport errors, 429s, and identity
// unavailability. Remote rejections (other APIError codes) are not retried.
func DefaultRetryable(err error) bool {
	if errors.Is(err, identity.ErrAuthenticationFailed) {
		return false
	}
	if errors.Is(err, identity.ErrAuthenticationUnavailable) {
		return true
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	// Anything else is a transport-level failure.
	return true
}

// Retrying re-drives failed requests up to attempts times with exponential
// back-off. retryable decides which failures qualify; nil means
// DefaultRetryable.
func Retrying(next Doer, attempts uint, retryable RetryPredicate) Doer {
	if retryable == nil {
		retryable = DefaultRetryable
	}
	return func(ctx context.Context, req *Request) (*Response, error) {
		var resp *Response
		err := retry.Do(
			func() error {
				var derr error
				resp, derr = next(ctx, req)
				return derr
			},
			retry.Attempts(attempts),
			retry.RetryIf(func(err error) bool {
				if ctx.Err() != nil {
					return false
				}
				return retryable(err)
			}),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}

var errServerFailure = errors.New("transport: upstream server failure")

// Breaking runs requests through a circuit breaker. Transport errors and
// 5xx responses count against the breaker; an open circuit fails fast with
// circuitbreaker.ErrCircuitOpen, which the retry layer treats as retryable.
func Breaking(next Doer, cb *circuitbreaker.CircuitBreaker) Doer {
	return func(ctx context.Context, req *Request) (*Response, error) {
		var resp *Response
		var derr error
		err := cb.Execute(func() error {
			resp, derr = next(ctx, req)
			if derr != nil {
				return derr
			}
			if resp.Status >= 500 {
				return errServerFailure
			}
			return nil
		})
		if errors.Is(err, errServerFailure) {
			// Counted against the breaker, but the status layer decides
			// what a 5xx means for this request.
			return resp, nil
		}
		if err != nil {
			return nil, err
		}
		return resp, derr
	}
}
