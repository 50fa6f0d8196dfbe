package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a cluster-wide mutex. One claim id holds a lock at a time; the
// claim is heartbeated while held and expires on its own if the holder
// dies. Loss of the heartbeat implicitly releases the lock.
type Lock struct {
	client  *redis.Client
	key     string
	claimID string
	log     *slog.Logger

	mu   sync.Mutex
	held bool
	stop chan struct{}
	done chan struct{}
}

// NewLock names a lock. The claim id identifies this process instance.
func NewLock(client *redis.Client, lockID string, log *slog.Logger) *Lock {
	return &Lock{
		client:  client,
		key:     "otter:locks:" + lockID,
		claimID: uuid.NewString(),
		log:     log.With("system", "otter.lock", "lock_id", lockID),
	}
}

// Acquire contends for the lock, polling until it wins or timeout elapses.
// A zero timeout makes a single attempt and fails ErrBusyLock when beaten.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.client.SetNX(ctx, l.key, l.claimID, claimTTL).Result()
		if err != nil {
			return fmt.Errorf("coordination: claim %s: %w", l.key, err)
		}
		if ok {
			l.held = true
			l.stop = make(chan struct{})
			l.done = make(chan struct{})
			go l.heartbeat(l.stop, l.done)
			l.log.Debug("lock acquired", "claim_id", l.claimID)
			return nil
		}
		if timeout == 0 {
			return ErrBusyLock
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquirePollEvery):
		}
	}
}

// Release drops the claim if we still own it.
func (l *Lock) Release() error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	stop, done := l.stop, l.done
	l.held = false
	l.mu.Unlock()

	close(stop)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.claimID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("coordination: release %s: %w", l.key, err)
	}
	l.log.Debug("lock released", "claim_id", l.claimID)
	return nil
}

// IsHeld verifies ownership against the store, not just local state: the
// claim may have expired under us between heartbeats.
func (l *Lock) IsHeld(ctx context.Context) (bool, error) {
	l.mu.Lock()
	localHeld := l.held
	l.mu.Unlock()
	if !localHeld {
		return false, nil
	}

	current, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("coordination: inspect %s: %w", l.key, err)
	}
	return current == l.claimID, nil
}

// heartbeat renews the claim TTL every heartbeatInterval. If the claim is
// gone or stolen the lock marks itself lost.
func (l *Lock) heartbeat(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.claimID, claimTTL.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.log.Warn("lock heartbeat failed", "error", err)
				continue
			}
			if renewed == 0 {
				l.log.Warn("lock claim lost", "claim_id", l.claimID)
				l.mu.Lock()
				l.held = false
				l.mu.Unlock()
				return
			}
		}
	}
}
