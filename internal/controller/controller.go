// Package controller applies scaling policies to group state and serializes
// every state mutation behind the per-group lock.
package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ottercloud/otter/internal/metrics"
	"github.com/ottercloud/otter/internal/store"
)

// MaxEntitiesCap bounds every group's capacity regardless of its configured
// maximum.
const MaxEntitiesCap = 25

// ErrCannotExecutePolicy means the policy ran but produced no state change,
// by cooldown or by arithmetic. The scheduler treats it as handled.
var ErrCannotExecutePolicy = errors.New("controller: cannot execute policy")

// ErrGroupPaused means the group's convergence and policies are suspended.
var ErrGroupPaused = errors.New("controller: group is paused")

// Controller owns the policy arithmetic. All methods operate on a group
// already loaded under its lock.
type Controller struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Controller {
	return &Controller{log: log.With("system", "otter.controller")}
}

// MaybeExecutePolicy applies one policy to the group's state: cooldowns are
// checked, the new desired capacity computed and constrained, and the touch
// times stamped. The group state is mutated in place; persisting it and
// triggering convergence is the caller's job.
func (c *Controller) MaybeExecutePolicy(group *store.ScalingGroup, policy *store.Policy, now time.Time) error {
	log := c.log.With("tenant_id", group.TenantID, "scaling_group_id", group.GroupID,
		"policy_id", policy.ID, "transaction_id", uuid.NewString())

	if group.State.Paused {
		metrics.PolicyExecutions.WithLabelValues("paused").Inc()
		return c.refuse(log, "group is paused", ErrGroupPaused)
	}
	if err := checkCooldowns(group, policy, now); err != nil {
		metrics.PolicyExecutions.WithLabelValues("cooldown").Inc()
		return c.refuse(log, "cooldown not yet expired", err)
	}

	current := group.State.Desired
	desired := constrainDesired(group.Config, calculateDelta(current, policy))
	if desired == current {
		metrics.PolicyExecutions.WithLabelValues("no_change").Inc()
		return c.refuse(log, "policy execution would not change capacity", ErrCannotExecutePolicy)
	}

	group.State.Desired = desired
	group.State.PolicyTouched[policy.ID] = now.UTC()
	group.State.GroupTouched = now.UTC()

	metrics.PolicyExecutions.WithLabelValues("executed").Inc()
	log.Info("policy executed",
		"event_type", "policy.execute",
		"previous_desired", current,
		"desired_capacity", desired,
		"audit_log", true)
	return nil
}

// refuse audit-logs why the policy did not run and wraps the cause under
// ErrCannotExecutePolicy.
func (c *Controller) refuse(log *slog.Logger, reason string, cause error) error {
	log.Info("policy execution refused",
		"event_type", "policy.refuse",
		"reason", reason,
		"audit_log", true)
	if errors.Is(cause, ErrCannotExecutePolicy) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCannotExecutePolicy, cause)
}

// ObeyConfigChange re-clamps the desired capacity after the group config
// changed. It reports whether the state moved and convergence is needed.
func (c *Controller) ObeyConfigChange(group *store.ScalingGroup) bool {
	desired := constrainDesired(group.Config, group.State.Desired)
	if desired == group.State.Desired {
		return false
	}
	c.log.Info("desired capacity re-clamped after config change",
		"tenant_id", group.TenantID, "scaling_group_id", group.GroupID,
		"previous_desired", group.State.Desired, "desired_capacity", desired)
	group.State.Desired = desired
	return true
}

// Pause suspends the group: policies refuse and convergence skips it.
func (c *Controller) Pause(group *store.ScalingGroup) {
	group.State.Paused = true
}

// Resume lifts a pause. The caller triggers convergence to catch up.
func (c *Controller) Resume(group *store.ScalingGroup) {
	group.State.Paused = false
}

// checkCooldowns enforces the group-wide cooldown since any policy fired and
// the per-policy cooldown since this policy fired. A policy that never fired
// passes its own check.
func checkCooldowns(group *store.ScalingGroup, policy *store.Policy, now time.Time) error {
	if !group.State.GroupTouched.IsZero() {
		if now.Sub(group.State.GroupTouched) < time.Duration(group.Config.Cooldown)*time.Second {
			return errors.New("group cooldown in effect")
		}
	}
	if touched, ok := group.State.PolicyTouched[policy.ID]; ok {
		if now.Sub(touched) < time.Duration(policy.Cooldown)*time.Second {
			return errors.New("policy cooldown in effect")
		}
	}
	return nil
}

// calculateDelta computes the unconstrained new desired capacity. Percentage
// changes round away from zero so any nonzero percentage moves capacity.
func calculateDelta(current int, policy *store.Policy) int {
	switch {
	case policy.Change != nil:
		return current + *policy.Change
	case policy.ChangePercent != nil:
		raw := float64(current) * *policy.ChangePercent / 100.0
		var delta int
		if raw > 0 {
			delta = int(math.Ceil(raw))
		} else {
			delta = int(math.Floor(raw))
		}
		return current + delta
	case policy.DesiredCapacity != nil:
		return *policy.DesiredCapacity
	default:
		return current
	}
}

// constrainDesired clamps into [minEntities, min(maxEntities, cap)].
func constrainDesired(cfg store.GroupConfig, desired int) int {
	upper := MaxEntitiesCap
	if cfg.MaxEntities != nil && *cfg.MaxEntities < upper {
		upper = *cfg.MaxEntities
	}
	if desired > upper {
		desired = upper
	}
	if desired < cfg.MinEntities {
		desired = cfg.MinEntities
	}
	return desired
}
