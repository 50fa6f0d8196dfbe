package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ottercloud/otter/internal/converger"
	"github.com/ottercloud/otter/internal/metrics"
	"github.com/ottercloud/otter/internal/store"
)

const (
	groupLockTimeout   = 10 * time.Second
	convergenceTimeout = 2 * time.Minute
	redriveDelay       = 10 * time.Second
)

// Locker is the slice of the cluster lock the serializer needs.
type Locker interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	Release() error
}

// LockFactory names a lock in the cluster lock space.
type LockFactory func(lockID string) Locker

// Serializer funnels every mutation of a group's state through that group's
// cluster lock and reuses the same lock to guard convergence dispatch, so
// passes for one group never overlap even across nodes. At most one
// convergence pass per group runs per process, with a one-slot follow-up
// queue: triggers that arrive mid-pass coalesce into a single re-drive.
type Serializer struct {
	groups store.GroupStore
	locks  LockFactory
	exec   converger.Executor
	log    *slog.Logger

	// redrivePause spaces successive passes of one driver apart.
	redrivePause time.Duration

	mu       sync.Mutex
	inflight map[string]bool
	queued   map[string]bool
	wg       sync.WaitGroup
}

func NewSerializer(groups store.GroupStore, locks LockFactory, exec converger.Executor, log *slog.Logger) *Serializer {
	return &Serializer{
		groups:       groups,
		locks:        locks,
		exec:         exec,
		log:          log.With("system", "otter.serializer"),
		redrivePause: redriveDelay,
		inflight:     map[string]bool{},
		queued:       map[string]bool{},
	}
}

// ModifyAndTrigger loads the group under its lock, applies fn to it,
// persists the state fn mutated, and schedules a convergence pass. fn
// returning an error abandons the mutation; ErrCannotExecutePolicy still
// releases cleanly but triggers nothing.
func (s *Serializer) ModifyAndTrigger(ctx context.Context, tenantID, groupID string, fn func(*store.ScalingGroup) error) error {
	lock := s.locks("group:" + tenantID + ":" + groupID)
	if err := lock.Acquire(ctx, groupLockTimeout); err != nil {
		metrics.LockContention.WithLabelValues("group").Inc()
		return fmt.Errorf("controller: lock group %s: %w", groupID, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.log.Warn("group lock release failed", "scaling_group_id", groupID, "error", err)
		}
	}()

	group, err := s.groups.Get(ctx, tenantID, groupID)
	if err != nil {
		return err
	}
	if err := fn(group); err != nil {
		return err
	}
	if err := s.groups.UpdateState(ctx, tenantID, groupID, group.State); err != nil {
		return fmt.Errorf("controller: persist state of group %s: %w", groupID, err)
	}

	s.Trigger(tenantID, groupID)
	return nil
}

// Trigger requests a convergence pass for the group. If one is already
// running, exactly one follow-up is queued behind it.
func (s *Serializer) Trigger(tenantID, groupID string) {
	key := tenantID + "/" + groupID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[key] {
		s.queued[key] = true
		return
	}
	s.inflight[key] = true
	s.wg.Add(1)
	go s.drive(key, tenantID, groupID)
}

// drive runs convergence passes until neither the follow-up slot nor a
// RETRY outcome asks for another one.
func (s *Serializer) drive(key, tenantID, groupID string) {
	defer s.wg.Done()
	for {
		outcome := s.pass(tenantID, groupID)

		s.mu.Lock()
		again := s.queued[key] || outcome == converger.OutcomeRetry
		s.queued[key] = false
		if !again {
			delete(s.inflight, key)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		time.Sleep(s.redrivePause)
	}
}

// pass runs one convergence pass under the group's cluster lock. A busy
// lock means another node is mid-pass for this group; defer to it and let
// the drive loop come back after the pause.
func (s *Serializer) pass(tenantID, groupID string) converger.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), convergenceTimeout)
	defer cancel()

	log := s.log.With("tenant_id", tenantID, "scaling_group_id", groupID)

	lock := s.locks("group:" + tenantID + ":" + groupID)
	if err := lock.Acquire(ctx, groupLockTimeout); err != nil {
		metrics.LockContention.WithLabelValues("group").Inc()
		log.Debug("group locked elsewhere, convergence deferred", "error", err)
		return converger.OutcomeRetry
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("group lock release failed", "error", err)
		}
	}()

	group, err := s.groups.Get(ctx, tenantID, groupID)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchGroup) {
			log.Debug("group deleted before convergence ran")
			return converger.OutcomeSuccess
		}
		log.Warn("loading group for convergence failed", "error", err)
		return converger.OutcomeRetry
	}
	if group.Status != store.StatusActive || group.State.Paused {
		log.Debug("skipping convergence", "status", group.Status, "paused", group.State.Paused)
		return converger.OutcomeSuccess
	}

	outcome, err := s.exec.Converge(ctx, group)
	if err != nil {
		log.Warn("convergence pass errored", "outcome", outcome.String(), "error", err)
	}
	// The executor refreshed the state's capacity sets from what it
	// observed; keep the store's copy current while the lock is held.
	if err := s.groups.UpdateState(ctx, tenantID, groupID, group.State); err != nil && !errors.Is(err, store.ErrNoSuchGroup) {
		log.Warn("persisting observed capacity failed", "error", err)
	}
	return outcome
}

// Drain blocks until all in-flight convergence drivers finish. Shutdown
// path only.
func (s *Serializer) Drain() {
	s.wg.Wait()
}
