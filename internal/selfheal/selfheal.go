// Package selfheal periodically re-converges every group so drift is
// repaired even when no policy fires. One node cluster-wide holds the
// self-heal lock and spreads a wave of convergence triggers over the
// interval instead of thundering them all at once.
package selfheal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ottercloud/otter/internal/coordination"
	"github.com/ottercloud/otter/internal/metrics"
	"github.com/ottercloud/otter/internal/store"
)

const lockAcquireTimeout = 100 * time.Millisecond

// waveTail keeps the last stretch of the interval quiet so a wave finishes
// before the next tick plans the following one.
const waveTail = 5 * time.Second

// Locker is the slice of the cluster lock the self-healer needs. IsHeld
// consults the store, catching claims lost between heartbeats.
type Locker interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	IsHeld(ctx context.Context) (bool, error)
	Release() error
}

// Triggerer requests an asynchronous convergence pass for a group.
type Triggerer interface {
	Trigger(tenantID, groupID string)
}

// Service is the self-heal daemon.
type Service struct {
	interval time.Duration
	enabled  map[string]bool // nil means all tenants
	groups   store.GroupStore
	trigger  Triggerer
	lock     Locker
	log      *slog.Logger

	mu     sync.Mutex
	timers []*time.Timer
}

func New(interval time.Duration, enabledTenants []string, groups store.GroupStore,
	trigger Triggerer, lock Locker, log *slog.Logger) *Service {
	var enabled map[string]bool
	if len(enabledTenants) > 0 {
		enabled = map[string]bool{}
		for _, tenant := range enabledTenants {
			enabled[tenant] = true
		}
	}
	return &Service{
		interval: interval,
		enabled:  enabled,
		groups:   groups,
		trigger:  trigger,
		lock:     lock,
		log:      log.With("system", "otter.selfheal"),
	}
}

// Run drives the self-healer until ctx is cancelled. The first wave is
// planned immediately rather than an interval from now.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		s.cancelScheduledCalls()
		if err := s.lock.Release(); err != nil {
			s.log.Warn("self-heal lock release failed", "error", err)
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick plans one wave if this node holds (or wins) the self-heal lock.
// Scheduled calls are always cancelled before new ones are planned, so two
// waves never overlap and a node that lost the lock stops healing.
func (s *Service) tick(ctx context.Context) {
	if err := s.lock.Acquire(ctx, lockAcquireTimeout); err != nil {
		if errors.Is(err, coordination.ErrBusyLock) || errors.Is(err, coordination.ErrLockTimeout) {
			metrics.LockContention.WithLabelValues("selfheal").Inc()
		} else {
			s.log.Warn("self-heal lock acquisition failed", "error", err)
		}
		s.cancelScheduledCalls()
		return
	}

	held, err := s.lock.IsHeld(ctx)
	if err != nil {
		// Ownership is unconfirmed; treat it like a lost lock.
		s.log.Warn("self-heal lock inspection failed", "error", err)
		s.cancelScheduledCalls()
		return
	}
	if !held {
		s.cancelScheduledCalls()
		return
	}

	if leftover := s.cancelScheduledCalls(); leftover > 0 {
		// Timers from the previous wave should all have fired by now.
		s.log.Error("forcibly resetting self-heal wave", "unfired_calls", leftover)
	}

	s.planWave(ctx)
}

// planWave lists the convergence candidates and spreads their triggers over
// the interval minus the tail.
func (s *Service) planWave(ctx context.Context) {
	refs, err := s.groups.List(ctx)
	if err != nil {
		s.log.Warn("listing groups for self-heal failed", "error", err)
		return
	}

	var candidates []store.GroupRef
	for _, ref := range refs {
		if s.enabled != nil && !s.enabled[ref.TenantID] {
			continue
		}
		candidates = append(candidates, ref)
	}
	if len(candidates) == 0 {
		return
	}

	spread := s.interval - waveTail
	s.mu.Lock()
	for i, ref := range candidates {
		offset := spread * time.Duration(i) / time.Duration(len(candidates))
		s.timers = append(s.timers, time.AfterFunc(offset, func() {
			s.trigger.Trigger(ref.TenantID, ref.GroupID)
		}))
	}
	s.mu.Unlock()

	metrics.SelfHealWaves.Inc()
	s.log.Info("self-heal wave planned", "groups", len(candidates), "spread", spread.String())
}

// cancelScheduledCalls stops every pending trigger and reports how many had
// not fired yet.
func (s *Service) cancelScheduledCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	leftover := 0
	for _, timer := range s.timers {
		if timer.Stop() {
			leftover++
		}
	}
	s.timers = nil
	return leftover
}

// Name labels the self-healer in health reports.
func (s *Service) Name() string { return "selfheal" }

// Healthy reports true both when this node heals and when another node
// holds the lock.
func (s *Service) Healthy(ctx context.Context) (bool, string) {
	held, err := s.lock.IsHeld(ctx)
	if err != nil {
		return false, err.Error()
	}
	if !held {
		return true, "self-heal lock held elsewhere"
	}
	s.mu.Lock()
	pending := len(s.timers)
	s.mu.Unlock()
	return true, fmt.Sprintf("healing, %d pending triggers", pending)
}
