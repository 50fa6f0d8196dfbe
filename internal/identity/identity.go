// Package identity acquires and caches per-tenant auth tokens and service
// catalogs from the identity service.
//
// The daemon authenticates with its own service credentials scoped to the
// target tenant; the returned catalog tells the transport layer where that
// tenant's compute and load-balancer endpoints live.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrAuthenticationFailed means the identity service rejected our
	// credentials. Not retryable; surfaces to the caller.
	ErrAuthenticationFailed = errors.New("identity: authentication failed")

	// ErrAuthenticationUnavailable means the identity service could not be
	// reached or answered 5xx. Retryable in the request pipeline.
	ErrAuthenticationUnavailable = errors.New("identity: authentication unavailable")
)

// Authenticator yields a tenant's token and service catalog.
type Authenticator interface {
	Authenticate(ctx context.Context, tenantID string) (*TenantAuth, error)
	Invalidate(tenantID string)
}

// TenantAuth is one tenant's token plus catalog.
type TenantAuth struct {
	Token    string
	TenantID string
	Catalog  ServiceCatalog
}

// ServiceCatalog is the list of services the token grants access to.
type ServiceCatalog []CatalogEntry

type CatalogEntry struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Endpoints []CatalogEndpoint `json:"endpoints"`
}

type CatalogEndpoint struct {
	Region    string `json:"region"`
	PublicURL string `json:"publicURL"`
	TenantID  string `json:"tenantId"`
}

// PublicEndpoint resolves the public URL for a service name and region.
// An endpoint without a region matches any region.
func (c ServiceCatalog) PublicEndpoint(serviceName, region string) (string, error) {
	for _, entry := range c {
		if entry.Name != serviceName {
			continue
		}
		for _, ep := range entry.Endpoints {
			if ep.Region == region || ep.Region == "" {
				return ep.PublicURL, nil
			}
		}
	}
	return "", fmt.Errorf("identity: no public endpoint for service %q in region %q", serviceName, region)
}

// Credentials serializes a token-exchange payload for one tenant.
type Credentials interface {
	payload(tenantID string) any
}

// PasswordCredentials authenticates with a username and password.
type PasswordCredentials struct {
	Username string
	Password string
}

func (c PasswordCredentials) payload(tenantID string) any {
	return map[string]any{
		"auth": map[string]any{
			"passwordCredentials": map[string]string{
				"username": c.Username,
				"password": c.Password,
			},
			"tenantId": tenantID,
		},
	}
}

// APIKeyCredentials authenticates with a username and API key.
type APIKeyCredentials struct {
	Username string
	APIKey   string
}

func (c APIKeyCredentials) payload(tenantID string) any {
	return map[string]any{
		"auth": map[string]any{
			"RAX-KSKEY:apiKeyCredentials": map[string]string{
				"username": c.Username,
				"apiKey":   c.APIKey,
			},
			"tenantId": tenantID,
		},
	}
}

// Client performs the credential-based token exchange against the identity
// endpoint. It does not cache; wrap it in a CachingAuthenticator.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
}

func NewClient(baseURL string, creds Credentials) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type tokenResponse struct {
	Access struct {
		Token struct {
			ID     string `json:"id"`
			Tenant struct {
				ID string `json:"id"`
			} `json:"tenant"`
		} `json:"token"`
		ServiceCatalog ServiceCatalog `json:"serviceCatalog"`
	} `json:"access"`
}

// Authenticate exchanges the service credentials for a token scoped to
// tenantID. A 4xx is classified as ErrAuthenticationFailed; transport
// errors and 5xx as ErrAuthenticationUnavailable.
func (c *Client) Authenticate(ctx context.Context, tenantID string) (*TenantAuth, error) {
	body, err := json.Marshal(c.creds.payload(tenantID))
	if err != nil {
		return nil, fmt.Errorf("identity: marshal credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tokens", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrAuthenticationUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: identity returned %d", ErrAuthenticationUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: identity returned %d: %s", ErrAuthenticationFailed, resp.StatusCode, respBody)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrAuthenticationUnavailable, err)
	}
	if parsed.Access.Token.ID == "" {
		return nil, fmt.Errorf("%w: response carried no token", ErrAuthenticationUnavailable)
	}

	return &TenantAuth{
		Token:    parsed.Access.Token.ID,
		TenantID: parsed.Access.Token.Tenant.ID,
		Catalog:  parsed.Access.ServiceCatalog,
	}, nil
}

// Invalidate is a no-op; the client holds no state.
func (c *Client) Invalidate(string) {}
