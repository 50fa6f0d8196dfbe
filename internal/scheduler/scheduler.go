// Package scheduler delivers scheduled policy executions. Events live in
// bucketed queues; a cluster-wide partitioner spreads bucket ownership over
// the live scheduler nodes and a per-bucket lock keeps delivery exclusive
// even across partitioner epochs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ottercloud/otter/internal/controller"
	"github.com/ottercloud/otter/internal/coordination"
	"github.com/ottercloud/otter/internal/metrics"
	"github.com/ottercloud/otter/internal/store"
)

// cronParser accepts the standard five-field expressions policies carry.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Partitioner is the slice of the bucket partitioner the scheduler drives.
type Partitioner interface {
	Start(ctx context.Context) error
	Stop()
	Tick(ctx context.Context) error
	State() coordination.PartitionerState
	OwnedBuckets() []int
}

// Dispatcher executes a group mutation under the group's lock and triggers
// convergence afterwards.
type Dispatcher interface {
	ModifyAndTrigger(ctx context.Context, tenantID, groupID string, fn func(*store.ScalingGroup) error) error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	Buckets   int
	// Threshold marks the scheduler unhealthy when an owned bucket's
	// oldest event is older than this.
	Threshold time.Duration
}

// Service is the scheduling daemon.
type Service struct {
	cfg         Config
	events      store.EventStore
	groups      store.GroupStore
	partitioner Partitioner
	locks       controller.LockFactory
	dispatcher  Dispatcher
	ctrl        *controller.Controller
	log         *slog.Logger
	nowFunc     func() time.Time
}

func New(cfg Config, events store.EventStore, groups store.GroupStore, partitioner Partitioner,
	locks controller.LockFactory, dispatcher Dispatcher, ctrl *controller.Controller, log *slog.Logger) *Service {
	return &Service{
		cfg:         cfg,
		events:      events,
		groups:      groups,
		partitioner: partitioner,
		locks:       locks,
		dispatcher:  dispatcher,
		ctrl:        ctrl,
		log:         log.With("system", "otter.scheduler"),
		nowFunc:     time.Now,
	}
}

// Run drives the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.partitioner.Start(ctx); err != nil {
		return err
	}
	defer s.partitioner.Stop()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick advances the partitioner and processes the owned buckets. Anything
// other than an acquired assignment means another node may hold our old
// buckets, so we do nothing this round.
func (s *Service) tick(ctx context.Context) {
	if err := s.partitioner.Tick(ctx); err != nil {
		s.log.Warn("partitioner tick failed", "error", err)
		return
	}
	if s.partitioner.State() != coordination.StateAcquired {
		s.log.Debug("bucket assignment not acquired, skipping tick",
			"state", s.partitioner.State().String())
		return
	}
	for _, bucket := range s.partitioner.OwnedBuckets() {
		s.processBucket(ctx, bucket)
	}
}

// processBucket drains one bucket's due events. The bucket lock is tried
// exactly once: losing it means another node is mid-drain, which is fine.
func (s *Service) processBucket(ctx context.Context, bucket int) {
	lock := s.locks(fmt.Sprintf("sched:%d", bucket))
	if err := lock.Acquire(ctx, 0); err != nil {
		if errors.Is(err, coordination.ErrBusyLock) {
			metrics.LockContention.WithLabelValues("scheduler").Inc()
			return
		}
		s.log.Warn("bucket lock failed", "bucket", bucket, "error", err)
		return
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.log.Warn("bucket lock release failed", "bucket", bucket, "error", err)
		}
	}()

	// Policies found missing in this drain; later events for them are
	// dropped without another lookup and never re-scheduled.
	gone := map[string]bool{}

	for {
		now := s.nowFunc().UTC()
		batch, err := s.events.FetchAndDelete(ctx, bucket, now, s.cfg.BatchSize)
		if err != nil {
			s.log.Warn("fetching scheduled events failed", "bucket", bucket, "error", err)
			return
		}

		var successors []store.ScheduledEvent
		for _, event := range batch {
			if next, ok := s.execute(ctx, event, now, gone); ok {
				successors = append(successors, next)
			}
		}
		if len(successors) > 0 {
			if err := s.events.Add(ctx, successors); err != nil {
				s.log.Error("re-scheduling cron events failed", "bucket", bucket, "error", err)
			}
		}

		// A short batch means the bucket is drained.
		if len(batch) < s.cfg.BatchSize {
			return
		}
	}
}

// execute delivers one event and, for cron policies still present, returns
// the successor event.
func (s *Service) execute(ctx context.Context, event store.ScheduledEvent, now time.Time, gone map[string]bool) (store.ScheduledEvent, bool) {
	log := s.log.With("tenant_id", event.TenantID, "scaling_group_id", event.GroupID,
		"policy_id", event.PolicyID)

	if gone[event.PolicyID] {
		metrics.ScheduledEvents.WithLabelValues("dropped").Inc()
		return store.ScheduledEvent{}, false
	}

	policy, err := s.groups.Policy(ctx, event.TenantID, event.GroupID, event.PolicyID, event.Version)
	switch {
	case errors.Is(err, store.ErrNoSuchGroup), errors.Is(err, store.ErrNoSuchPolicy):
		gone[event.PolicyID] = true
		log.Info("scheduled policy no longer exists, dropping event")
		metrics.ScheduledEvents.WithLabelValues("dropped").Inc()
		return store.ScheduledEvent{}, false
	case errors.Is(err, store.ErrStalePolicy):
		// The policy was replaced after this event was queued; its new
		// version re-registered its own schedule.
		log.Info("scheduled event is stale, dropping")
		metrics.ScheduledEvents.WithLabelValues("stale").Inc()
		return store.ScheduledEvent{}, false
	case err != nil:
		log.Warn("loading scheduled policy failed", "error", err)
		metrics.ScheduledEvents.WithLabelValues("error").Inc()
		return store.ScheduledEvent{}, false
	}

	err = s.dispatcher.ModifyAndTrigger(ctx, event.TenantID, event.GroupID, func(group *store.ScalingGroup) error {
		return s.ctrl.MaybeExecutePolicy(group, policy, now)
	})
	switch {
	case err == nil:
		metrics.ScheduledEvents.WithLabelValues("executed").Inc()
	case errors.Is(err, controller.ErrCannotExecutePolicy):
		// Refusals (cooldown, no-op, paused) still consume the event.
		metrics.ScheduledEvents.WithLabelValues("refused").Inc()
	default:
		log.Warn("scheduled policy execution failed", "error", err)
		metrics.ScheduledEvents.WithLabelValues("error").Inc()
	}

	if policy.Cron == "" {
		return store.ScheduledEvent{}, false
	}
	next, ok := s.successor(event, policy, now)
	if !ok {
		log.Warn("cron expression did not parse", "cron", policy.Cron)
	}
	return next, ok
}

// successor computes the cron policy's next event, keeping the bucket.
func (s *Service) successor(event store.ScheduledEvent, policy *store.Policy, now time.Time) (store.ScheduledEvent, bool) {
	schedule, err := cronParser.Parse(policy.Cron)
	if err != nil {
		return store.ScheduledEvent{}, false
	}
	return store.ScheduledEvent{
		TenantID: event.TenantID,
		GroupID:  event.GroupID,
		PolicyID: event.PolicyID,
		Trigger:  schedule.Next(now),
		Cron:     policy.Cron,
		Bucket:   event.Bucket,
		Version:  policy.Version,
	}, true
}

// Name labels the scheduler in health reports.
func (s *Service) Name() string { return "scheduler" }

// Healthy reports false when any owned bucket's oldest undelivered event is
// older than the configured threshold.
func (s *Service) Healthy(ctx context.Context) (bool, string) {
	if s.partitioner.State() != coordination.StateAcquired {
		return true, "no bucket assignment"
	}
	now := s.nowFunc().UTC()
	for _, bucket := range s.partitioner.OwnedBuckets() {
		oldest, err := s.events.Oldest(ctx, bucket)
		if err != nil {
			return false, fmt.Sprintf("bucket %d: %v", bucket, err)
		}
		if oldest == nil {
			metrics.SchedulerLag.WithLabelValues(strconv.Itoa(bucket)).Set(0)
			continue
		}
		age := now.Sub(oldest.Trigger)
		metrics.SchedulerLag.WithLabelValues(strconv.Itoa(bucket)).Set(age.Seconds())
		if age > s.cfg.Threshold {
			return false, fmt.Sprintf("bucket %d has an event %s overdue", bucket, age.Round(time.Second))
		}
	}
	return true, "ok"
}
