package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(policyID string, trigger time.Time) ScheduledEvent {
	return ScheduledEvent{
		TenantID: "t1",
		GroupID:  "g1",
		PolicyID: policyID,
		Trigger:  trigger,
		Bucket:   0,
		Version:  "v1",
	}
}

func TestGetUnknownGroup(t *testing.T) {
	mem := NewInMemory()
	_, err := mem.Get(context.Background(), "t1", "nope")
	assert.ErrorIs(t, err, ErrNoSuchGroup)
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	mem := NewInMemory()
	mem.PutGroup(&ScalingGroup{TenantID: "t1", GroupID: "g1", Status: StatusActive})

	first, err := mem.Get(context.Background(), "t1", "g1")
	require.NoError(t, err)
	first.State.Desired = 99

	second, err := mem.Get(context.Background(), "t1", "g1")
	require.NoError(t, err)
	assert.Zero(t, second.State.Desired, "mutating a loaded group must not leak into the store")
}

func TestUpdateStatePersists(t *testing.T) {
	mem := NewInMemory()
	mem.PutGroup(&ScalingGroup{TenantID: "t1", GroupID: "g1", Status: StatusActive})

	state := NewGroupState()
	state.Desired = 4
	require.NoError(t, mem.UpdateState(context.Background(), "t1", "g1", state))

	group, err := mem.Get(context.Background(), "t1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 4, group.State.Desired)

	assert.ErrorIs(t, mem.UpdateState(context.Background(), "t1", "nope", state), ErrNoSuchGroup)
}

func TestPolicyVersionCheck(t *testing.T) {
	mem := NewInMemory()
	mem.PutGroup(&ScalingGroup{TenantID: "t1", GroupID: "g1", Status: StatusActive})
	mem.PutPolicy("t1", "g1", &Policy{ID: "p1", Version: "v2"})

	_, err := mem.Policy(context.Background(), "t1", "g1", "p1", "v1")
	assert.ErrorIs(t, err, ErrStalePolicy)

	policy, err := mem.Policy(context.Background(), "t1", "g1", "p1", "v2")
	require.NoError(t, err)
	assert.Equal(t, "p1", policy.ID)

	// Empty version skips the check.
	_, err = mem.Policy(context.Background(), "t1", "g1", "p1", "")
	assert.NoError(t, err)

	mem.DeletePolicy("t1", "g1", "p1")
	_, err = mem.Policy(context.Background(), "t1", "g1", "p1", "v2")
	assert.ErrorIs(t, err, ErrNoSuchPolicy)
}

func TestListSkipsDeletingGroups(t *testing.T) {
	mem := NewInMemory()
	mem.PutGroup(&ScalingGroup{TenantID: "t1", GroupID: "g1", Status: StatusActive})
	mem.PutGroup(&ScalingGroup{TenantID: "t1", GroupID: "g2", Status: StatusDeleting})
	mem.PutGroup(&ScalingGroup{TenantID: "t0", GroupID: "g3", Status: StatusError})

	refs, err := mem.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []GroupRef{
		{TenantID: "t0", GroupID: "g3"},
		{TenantID: "t1", GroupID: "g1"},
	}, refs)
}

func TestFetchAndDeleteOrdersByTriggerThenPolicy(t *testing.T) {
	mem := NewInMemory()
	require.NoError(t, mem.Add(context.Background(), []ScheduledEvent{
		event("pB", storeNow.Add(-time.Minute)),
		event("pA", storeNow.Add(-time.Minute)),
		event("pC", storeNow.Add(-2*time.Minute)),
	}))

	due, err := mem.FetchAndDelete(context.Background(), 0, storeNow, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "pC", due[0].PolicyID)
	assert.Equal(t, "pA", due[1].PolicyID)
	assert.Equal(t, "pB", due[2].PolicyID)
}

func TestFetchAndDeleteHonorsBatchAndDueness(t *testing.T) {
	mem := NewInMemory()
	require.NoError(t, mem.Add(context.Background(), []ScheduledEvent{
		event("p1", storeNow.Add(-3*time.Minute)),
		event("p2", storeNow.Add(-2*time.Minute)),
		event("p3", storeNow.Add(-time.Minute)),
		event("p4", storeNow.Add(time.Hour)), // not due
	}))

	due, err := mem.FetchAndDelete(context.Background(), 0, storeNow, 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "p1", due[0].PolicyID)
	assert.Equal(t, "p2", due[1].PolicyID)

	rest, err := mem.FetchAndDelete(context.Background(), 0, storeNow, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "p3", rest[0].PolicyID)

	// The future event survives both drains.
	oldest, err := mem.Oldest(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.Equal(t, "p4", oldest.PolicyID)
}

func TestAddReplacesSameKey(t *testing.T) {
	mem := NewInMemory()
	trigger := storeNow.Add(-time.Minute)
	require.NoError(t, mem.Add(context.Background(), []ScheduledEvent{event("p1", trigger)}))

	updated := event("p1", trigger)
	updated.Version = "v2"
	require.NoError(t, mem.Add(context.Background(), []ScheduledEvent{updated}))

	due, err := mem.FetchAndDelete(context.Background(), 0, storeNow, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "v2", due[0].Version)
}

func TestBucketsAreIndependent(t *testing.T) {
	mem := NewInMemory()
	other := event("p1", storeNow.Add(-time.Minute))
	other.Bucket = 3
	require.NoError(t, mem.Add(context.Background(), []ScheduledEvent{other}))

	due, err := mem.FetchAndDelete(context.Background(), 0, storeNow, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	oldest, err := mem.Oldest(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.Equal(t, "p1", oldest.PolicyID)
}

func TestOldestEmptyBucket(t *testing.T) {
	mem := NewInMemory()
	oldest, err := mem.Oldest(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, oldest)
}
