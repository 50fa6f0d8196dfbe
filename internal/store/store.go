// Package store defines the contracts to the group/policy/event store plus
// a postgres implementation and an in-memory implementation used by tests
// and the no-database dev mode.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNoSuchGroup  = errors.New("store: no such scaling group")
	ErrNoSuchPolicy = errors.New("store: no such policy")
	ErrStalePolicy  = errors.New("store: policy version mismatch")
)

// GroupStatus is the lifecycle status of a scaling group.
type GroupStatus string

const (
	StatusActive   GroupStatus = "ACTIVE"
	StatusError    GroupStatus = "ERROR"
	StatusDisabled GroupStatus = "DISABLED"
	StatusDeleting GroupStatus = "DELETING"
)

// GroupConfig is the user-declared group configuration.
type GroupConfig struct {
	Name        string `json:"name"`
	MinEntities int    `json:"minEntities"`
	// MaxEntities nil means unbounded; the controller still applies the
	// hard cap.
	MaxEntities *int `json:"maxEntities"`
	// Cooldown is the group-wide cooldown in seconds.
	Cooldown int `json:"cooldown"`
}

// LoadBalancerSpec names one load balancer every active server of the group
// should be registered with.
type LoadBalancerSpec struct {
	ID   int    `json:"loadBalancerId"`
	Port int    `json:"port"`
	Type string `json:"type,omitempty"` // "" or "CLB", or "RackConnectV3"
}

// LaunchConfig is the opaque server template plus the group's desired load
// balancer memberships.
type LaunchConfig struct {
	Type          string             `json:"type"` // "launch_server"
	ServerArgs    json.RawMessage    `json:"server"`
	LoadBalancers []LoadBalancerSpec `json:"loadBalancers,omitempty"`
}

// ActiveServer is a server the group considers live.
type ActiveServer struct {
	Links   []string  `json:"links,omitempty"`
	Created time.Time `json:"created"`
}

// GroupState is the mutable per-group state. It is only ever mutated under
// the per-group lock (controller.ModifyAndTrigger).
type GroupState struct {
	Desired int                     `json:"desired"`
	Active  map[string]ActiveServer `json:"active"`
	Pending map[string]struct{}     `json:"pending"`
	// PolicyTouched maps policy id to its last execution time (UTC).
	PolicyTouched map[string]time.Time `json:"policyTouched"`
	// GroupTouched is the last time any policy executed (UTC).
	GroupTouched time.Time `json:"groupTouched"`
	Paused       bool      `json:"paused"`
	HeatStack    string    `json:"heatStack,omitempty"`
}

// NewGroupState returns an empty state with allocated maps.
func NewGroupState() *GroupState {
	return &GroupState{
		Active:        map[string]ActiveServer{},
		Pending:       map[string]struct{}{},
		PolicyTouched: map[string]time.Time{},
	}
}

// ScalingGroup is one tenant-owned group with its config and state.
type ScalingGroup struct {
	TenantID string
	GroupID  string
	Config   GroupConfig
	Launch   LaunchConfig
	State    *GroupState
	Status   GroupStatus
}

// Policy produces a new desired capacity from the current one. Exactly one
// of Change, ChangePercent, DesiredCapacity is set.
type Policy struct {
	ID       string `json:"id"`
	Cooldown int    `json:"cooldown"`
	Change   *int   `json:"change,omitempty"`
	// ChangePercent is applied with ceiling-away-from-zero rounding.
	ChangePercent   *float64 `json:"changePercent,omitempty"`
	DesiredCapacity *int     `json:"desiredCapacity,omitempty"`
	// Cron, when set, re-schedules the policy after each fire.
	Cron string `json:"cron,omitempty"`
	// At, when set, fires the policy once at the given instant.
	At      *time.Time `json:"at,omitempty"`
	Version string     `json:"version"`
}

// ScheduledEvent is a stored trigger. Keyed by (Bucket, Trigger, PolicyID).
type ScheduledEvent struct {
	TenantID string
	GroupID  string
	PolicyID string
	Trigger  time.Time
	Cron     string
	Bucket   int
	Version  string
}

// GroupRef identifies a group without loading it.
type GroupRef struct {
	TenantID string
	GroupID  string
}

// GroupStore is the group/policy side of the persistent store.
type GroupStore interface {
	// Get loads a group with its config and state.
	Get(ctx context.Context, tenantID, groupID string) (*ScalingGroup, error)

	// Policy loads one policy. A non-empty version must match the stored
	// one or ErrStalePolicy is returned.
	Policy(ctx context.Context, tenantID, groupID, policyID, version string) (*Policy, error)

	// UpdateState persists a group's state.
	UpdateState(ctx context.Context, tenantID, groupID string, state *GroupState) error

	// List enumerates every group that is a convergence candidate.
	List(ctx context.Context) ([]GroupRef, error)
}

// EventStore is the scheduled-event side of the persistent store.
type EventStore interface {
	// FetchAndDelete atomically removes and returns up to batch events in
	// the bucket whose trigger is at or before now, ordered by
	// (trigger, policyID). Callers hold the per-bucket lock.
	FetchAndDelete(ctx context.Context, bucket int, now time.Time, batch int) ([]ScheduledEvent, error)

	// Add inserts events, replacing any with the same key.
	Add(ctx context.Context, events []ScheduledEvent) error

	// Oldest returns the bucket's oldest event, or nil when empty.
	Oldest(ctx context.Context, bucket int) (*ScheduledEvent, error)
}
