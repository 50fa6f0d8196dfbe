package identity

import (
	"context"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// CachingAuthenticator caches (token, catalog) per tenant with a TTL.
// Concurrent Authenticate calls for one tenant coalesce into a single
// upstream token exchange.
type CachingAuthenticator struct {
	upstream Authenticator
	cache    *gocache.Cache
	group    singleflight.Group
	log      *slog.Logger
}

func NewCachingAuthenticator(upstream Authenticator, ttl time.Duration, log *slog.Logger) *CachingAuthenticator {
	return &CachingAuthenticator{
		upstream: upstream,
		cache:    gocache.New(ttl, 2*ttl),
		log:      log.With("system", "otter.auth.cache"),
	}
}

func (a *CachingAuthenticator) Authenticate(ctx context.Context, tenantID string) (*TenantAuth, error) {
	if cached, ok := a.cache.Get(tenantID); ok {
		a.log.Debug("auth cache hit", "tenant_id", tenantID)
		return cached.(*TenantAuth), nil
	}

	result, err, shared := a.group.Do(tenantID, func() (any, error) {
		auth, err := a.upstream.Authenticate(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		a.cache.SetDefault(tenantID, auth)
		a.log.Debug("auth cache populated", "tenant_id", tenantID)
		return auth, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		a.log.Debug("auth request coalesced", "tenant_id", tenantID)
	}
	return result.(*TenantAuth), nil
}

// Invalidate drops the tenant's cache entry. The next Authenticate call
// performs a fresh token exchange.
func (a *CachingAuthenticator) Invalidate(tenantID string) {
	a.cache.Delete(tenantID)
	a.group.Forget(tenantID)
	a.log.Debug("auth cache invalidated", "tenant_id", tenantID)
}
