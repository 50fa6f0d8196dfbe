package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ottercloud/otter/internal/circuitbreaker"
	"github.com/ottercloud/otter/internal/identity"
)

// RequestOption tweaks one bound request.
type RequestOption func(*Request)

// WithSuccessCodes overrides the accepted response statuses.
func WithSuccessCodes(codes ...int) RequestOption {
	return func(r *Request) { r.SuccessCodes = codes }
}

// WithReauthCodes overrides the statuses that trigger a reauth re-drive.
func WithReauthCodes(codes ...int) RequestOption {
	return func(r *Request) { r.ReauthCodes = codes }
}

// WithHeader adds a caller header. Auth headers still win on conflict.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		if r.Headers == nil {
			r.Headers = make(http.Header)
		}
		r.Headers.Set(key, value)
	}
}

// BoundConfig describes one service binding for one tenant.
type BoundConfig struct {
	ServiceName string
	Region      string
	TenantID    string
	Retries     uint
	Timeout     time.Duration
	Retryable   RetryPredicate
	Breaker     *circuitbreaker.CircuitBreaker
	// HTTPClient overrides the process-wide pooled client. Nil uses
	// http.DefaultClient's transport via a shared client.
	HTTPClient *http.Client
}

// Bound is a request function pre-bound to a service and region. Callers
// pass only relative paths; the absolute URL is resolved from the tenant's
// service catalog.
type Bound struct {
	auth     identity.Authenticator
	cfg      BoundConfig
	pipeline Doer
}

// NewBound assembles the full pipeline for one service:
// retry → auth (with reauth re-drive) → status check → breaker → wire.
func NewBound(auth identity.Authenticator, cfg BoundConfig) *Bound {
	if cfg.Retries == 0 {
		cfg.Retries = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	doer := NewBaseDoer(client, cfg.Timeout)
	if cfg.Breaker != nil {
		doer = Breaking(doer, cfg.Breaker)
	}
	doer = CheckingStatus(doer)
	doer = Authenticating(doer, auth, cfg.TenantID)
	doer = Retrying(doer, cfg.Retries, cfg.Retryable)

	return &Bound{auth: auth, cfg: cfg, pipeline: doer}
}

// JSON performs one bound request. body, when non-nil, is serialized as the
// JSON request body; the parsed response body is decoded into out when out
// is non-nil and the response is non-empty.
func (b *Bound) JSON(ctx context.Context, method, relPath string, body, out any, opts ...RequestOption) error {
	raw, err := b.Raw(ctx, method, relPath, body, opts...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("transport: decode %s %s response: %w", method, relPath, err)
	}
	return nil
}

// Raw performs one bound request and returns the undecoded response body.
func (b *Bound) Raw(ctx context.Context, method, relPath string, body any, opts ...RequestOption) ([]byte, error) {
	endpoint, err := b.resolve(ctx)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method: method,
		URL:    joinURL(endpoint, relPath),
	}
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode %s %s body: %w", method, relPath, err)
		}
		req.Body = encoded
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := b.pipeline(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// resolve looks up the service's public endpoint in the tenant catalog.
// The catalog comes from the auth cache, so this is cheap on the hot path.
func (b *Bound) resolve(ctx context.Context) (string, error) {
	tok, err := b.auth.Authenticate(ctx, b.cfg.TenantID)
	if err != nil {
		return "", err
	}
	return tok.Catalog.PublicEndpoint(b.cfg.ServiceName, b.cfg.Region)
}

func joinURL(base, rel string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rel, "/")
}
