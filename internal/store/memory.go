package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements GroupStore and EventStore in process memory. Used by
// tests and as the fallback when no database is configured.
type InMemory struct {
	mu       sync.Mutex
	groups   map[groupKey]*ScalingGroup
	policies map[groupKey]map[string]*Policy
	events   map[int][]ScheduledEvent
}

type groupKey struct {
	tenantID string
	groupID  string
}

func NewInMemory() *InMemory {
	return &InMemory{
		groups:   map[groupKey]*ScalingGroup{},
		policies: map[groupKey]map[string]*Policy{},
		events:   map[int][]ScheduledEvent{},
	}
}

// PutGroup installs or replaces a group.
func (m *InMemory) PutGroup(group *ScalingGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if group.State == nil {
		group.State = NewGroupState()
	}
	m.groups[groupKey{group.TenantID, group.GroupID}] = group
}

// PutPolicy installs or replaces a policy on a group.
func (m *InMemory) PutPolicy(tenantID, groupID string, policy *Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := groupKey{tenantID, groupID}
	if m.policies[key] == nil {
		m.policies[key] = map[string]*Policy{}
	}
	m.policies[key][policy.ID] = policy
}

// DeletePolicy removes a policy; subsequent loads fail ErrNoSuchPolicy.
func (m *InMemory) DeletePolicy(tenantID, groupID, policyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies[groupKey{tenantID, groupID}], policyID)
}

func (m *InMemory) Get(_ context.Context, tenantID, groupID string) (*ScalingGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[groupKey{tenantID, groupID}]
	if !ok {
		return nil, ErrNoSuchGroup
	}
	copied := *group
	state := *group.State
	copied.State = &state
	return &copied, nil
}

func (m *InMemory) Policy(_ context.Context, tenantID, groupID, policyID, version string) (*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupKey{tenantID, groupID}]; !ok {
		return nil, ErrNoSuchGroup
	}
	policy, ok := m.policies[groupKey{tenantID, groupID}][policyID]
	if !ok {
		return nil, ErrNoSuchPolicy
	}
	if version != "" && version != policy.Version {
		return nil, ErrStalePolicy
	}
	copied := *policy
	return &copied, nil
}

func (m *InMemory) UpdateState(_ context.Context, tenantID, groupID string, state *GroupState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[groupKey{tenantID, groupID}]
	if !ok {
		return ErrNoSuchGroup
	}
	copied := *state
	group.State = &copied
	return nil
}

func (m *InMemory) List(_ context.Context) ([]GroupRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := make([]GroupRef, 0, len(m.groups))
	for key, group := range m.groups {
		if group.Status == StatusDeleting {
			continue
		}
		refs = append(refs, GroupRef{TenantID: key.tenantID, GroupID: key.groupID})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].TenantID != refs[j].TenantID {
			return refs[i].TenantID < refs[j].TenantID
		}
		return refs[i].GroupID < refs[j].GroupID
	})
	return refs, nil
}

func (m *InMemory) FetchAndDelete(_ context.Context, bucket int, now time.Time, batch int) ([]ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucketEvents := m.events[bucket]
	sortEvents(bucketEvents)

	var due []ScheduledEvent
	var remaining []ScheduledEvent
	for _, ev := range bucketEvents {
		if len(due) < batch && !ev.Trigger.After(now) {
			due = append(due, ev)
		} else {
			remaining = append(remaining, ev)
		}
	}
	m.events[bucket] = remaining
	return due, nil
}

func (m *InMemory) Add(_ context.Context, events []ScheduledEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		ev.Trigger = ev.Trigger.UTC()
		replaced := false
		for i, existing := range m.events[ev.Bucket] {
			if existing.Trigger.Equal(ev.Trigger) && existing.PolicyID == ev.PolicyID {
				m.events[ev.Bucket][i] = ev
				replaced = true
				break
			}
		}
		if !replaced {
			m.events[ev.Bucket] = append(m.events[ev.Bucket], ev)
		}
	}
	return nil
}

func (m *InMemory) Oldest(_ context.Context, bucket int) (*ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucketEvents := m.events[bucket]
	if len(bucketEvents) == 0 {
		return nil, nil
	}
	sortEvents(bucketEvents)
	oldest := bucketEvents[0]
	return &oldest, nil
}

// sortEvents orders by (trigger, policyID), the scheduler's delivery order.
func sortEvents(events []ScheduledEvent) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Trigger.Equal(events[j].Trigger) {
			return events[i].Trigger.Before(events[j].Trigger)
		}
		return events[i].PolicyID < events[j].PolicyID
	})
}
