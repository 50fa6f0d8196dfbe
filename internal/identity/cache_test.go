package identity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingAuth counts upstream round-trips.
type countingAuth struct {
	calls atomic.Int64
	mu    sync.Mutex
	err   error
}

func (a *countingAuth) Authenticate(_ context.Context, tenantID string) (*TenantAuth, error) {
	a.calls.Add(1)
	a.mu.Lock()
	err := a.err
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &TenantAuth{Token: "tok-" + tenantID, TenantID: tenantID}, nil
}

func (a *countingAuth) Invalidate(string) {}

func TestCachingAuthenticatorReusesTokens(t *testing.T) {
	upstream := &countingAuth{}
	cache := NewCachingAuthenticator(upstream, time.Hour, slog.Default())

	for i := 0; i < 5; i++ {
		auth, err := cache.Authenticate(context.Background(), "t1")
		require.NoError(t, err)
		assert.Equal(t, "tok-t1", auth.Token)
	}
	assert.Equal(t, int64(1), upstream.calls.Load())
}

func TestCachingAuthenticatorIsolatesTenants(t *testing.T) {
	upstream := &countingAuth{}
	cache := NewCachingAuthenticator(upstream, time.Hour, slog.Default())

	_, err := cache.Authenticate(context.Background(), "t1")
	require.NoError(t, err)
	auth, err := cache.Authenticate(context.Background(), "t2")
	require.NoError(t, err)

	assert.Equal(t, "tok-t2", auth.Token)
	assert.Equal(t, int64(2), upstream.calls.Load())
}

func TestCachingAuthenticatorInvalidateForcesReauth(t *testing.T) {
	upstream := &countingAuth{}
	cache := NewCachingAuthenticator(upstream, time.Hour, slog.Default())

	_, err := cache.Authenticate(context.Background(), "t1")
	require.NoError(t, err)

	cache.Invalidate("t1")

	_, err = cache.Authenticate(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), upstream.calls.Load())
}

func TestCachingAuthenticatorDoesNotCacheFailures(t *testing.T) {
	upstream := &countingAuth{err: ErrAuthenticationUnavailable}
	cache := NewCachingAuthenticator(upstream, time.Hour, slog.Default())

	_, err := cache.Authenticate(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrAuthenticationUnavailable)

	upstream.mu.Lock()
	upstream.err = nil
	upstream.mu.Unlock()

	auth, err := cache.Authenticate(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "tok-t1", auth.Token)
}

func TestCachingAuthenticatorCoalescesConcurrentRequests(t *testing.T) {
	upstream := &countingAuth{}
	cache := NewCachingAuthenticator(upstream, time.Hour, slog.Default())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Authenticate(context.Background(), "t1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// singleflight collapses the stampede into one (rarely two) exchanges.
	assert.LessOrEqual(t, upstream.calls.Load(), int64(2))
}
