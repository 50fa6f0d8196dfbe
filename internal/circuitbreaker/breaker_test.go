package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream broken")

func failingConfig(timeout time.Duration) *Config {
	return &Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	}
}

func fail() error { return errUpstream }

func succeed() error { return nil }

func TestBreakerStaysClosedUnderSuccess(t *testing.T) {
	cb := New(DefaultConfig("test"))
	for i := 0; i < 10; i++ {
		require.NoError(t, cb.Execute(succeed))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(failingConfig(time.Minute))

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(fail), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen, "an open breaker fails fast")
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := New(failingConfig(time.Minute))

	require.ErrorIs(t, cb.Execute(fail), errUpstream)
	require.ErrorIs(t, cb.Execute(fail), errUpstream)
	require.NoError(t, cb.Execute(succeed))
	require.ErrorIs(t, cb.Execute(fail), errUpstream)
	require.ErrorIs(t, cb.Execute(fail), errUpstream)

	assert.Equal(t, StateClosed, cb.State(), "interleaved successes keep the breaker closed")
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := failingConfig(50 * time.Millisecond)
	cfg.MaxRequests = 2
	cb := New(cfg)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// MaxRequests consecutive probe successes close the circuit.
	require.NoError(t, cb.Execute(succeed))
	require.NoError(t, cb.Execute(succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New(failingConfig(50 * time.Millisecond))

	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.ErrorIs(t, cb.Execute(fail), errUpstream)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	cb := New(failingConfig(50 * time.Millisecond))

	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	block := make(chan struct{})
	go func() {
		_ = cb.Execute(func() error { <-block; return nil })
	}()
	time.Sleep(10 * time.Millisecond)

	err := cb.Execute(succeed)
	assert.ErrorIs(t, err, ErrTooManyRequests)
	close(block)
}

func TestBreakerNotifiesStateChanges(t *testing.T) {
	var transitions []string
	cfg := failingConfig(time.Minute)
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}
	cb := New(cfg)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(fail)
	}
	assert.Equal(t, []string{"CLOSED>OPEN"}, transitions)
}
