package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottercloud/otter/internal/controller"
	"github.com/ottercloud/otter/internal/coordination"
	"github.com/ottercloud/otter/internal/store"
)

var schedNow = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

// fakePartitioner hands out a fixed assignment.
type fakePartitioner struct {
	state   coordination.PartitionerState
	buckets []int
}

func (p *fakePartitioner) Start(context.Context) error { return nil }
func (p *fakePartitioner) Stop()                       {}
func (p *fakePartitioner) Tick(context.Context) error  { return nil }

func (p *fakePartitioner) State() coordination.PartitionerState { return p.state }
func (p *fakePartitioner) OwnedBuckets() []int                  { return p.buckets }

// freeLock always wins; busyLock never does.
type freeLock struct{}

func (freeLock) Acquire(context.Context, time.Duration) error { return nil }
func (freeLock) Release() error                               { return nil }

type busyLock struct{}

func (busyLock) Acquire(context.Context, time.Duration) error { return coordination.ErrBusyLock }
func (busyLock) Release() error                               { return nil }

// syncDispatcher applies the mutation inline with no locking or
// convergence, which is all these tests need.
type syncDispatcher struct {
	groups *store.InMemory
}

func (d *syncDispatcher) ModifyAndTrigger(ctx context.Context, tenantID, groupID string, fn func(*store.ScalingGroup) error) error {
	group, err := d.groups.Get(ctx, tenantID, groupID)
	if err != nil {
		return err
	}
	if err := fn(group); err != nil {
		return err
	}
	return d.groups.UpdateState(ctx, tenantID, groupID, group.State)
}

type fixture struct {
	svc *Service
	mem *store.InMemory
}

func newFixture(t *testing.T, cfg Config, locks controller.LockFactory) *fixture {
	t.Helper()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = time.Minute
	}
	mem := store.NewInMemory()
	state := store.NewGroupState()
	mem.PutGroup(&store.ScalingGroup{
		TenantID: "t1",
		GroupID:  "g1",
		Config:   store.GroupConfig{MinEntities: 0},
		State:    state,
		Status:   store.StatusActive,
	})
	if locks == nil {
		locks = func(string) controller.Locker { return freeLock{} }
	}
	part := &fakePartitioner{state: coordination.StateAcquired, buckets: []int{0}}
	svc := New(cfg, mem, mem, part, locks, &syncDispatcher{groups: mem}, controller.New(slog.Default()), slog.Default())
	svc.nowFunc = func() time.Time { return schedNow }
	return &fixture{svc: svc, mem: mem}
}

func change(v int) *int { return &v }

func putPolicy(f *fixture, id string, cron string) {
	f.mem.PutPolicy("t1", "g1", &store.Policy{
		ID:      id,
		Change:  change(1),
		Cron:    cron,
		Version: "v1",
	})
}

func putEvent(t *testing.T, f *fixture, policyID string, trigger time.Time, cron string) {
	t.Helper()
	require.NoError(t, f.mem.Add(context.Background(), []store.ScheduledEvent{{
		TenantID: "t1",
		GroupID:  "g1",
		PolicyID: policyID,
		Trigger:  trigger,
		Cron:     cron,
		Bucket:   0,
		Version:  "v1",
	}}))
}

func remaining(t *testing.T, f *fixture) []store.ScheduledEvent {
	t.Helper()
	events, err := f.mem.FetchAndDelete(context.Background(), 0, schedNow.Add(24*time.Hour), 1000)
	require.NoError(t, err)
	return events
}

func TestSchedulerExecutesDueEvent(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	putPolicy(f, "p1", "")
	putEvent(t, f, "p1", schedNow.Add(-time.Second), "")

	f.svc.tick(context.Background())

	group, err := f.mem.Get(context.Background(), "t1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, group.State.Desired)
	assert.Equal(t, schedNow, group.State.PolicyTouched["p1"])
	assert.Empty(t, remaining(t, f), "one-shot events are consumed")
}

func TestSchedulerLeavesFutureEvents(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	putPolicy(f, "p1", "")
	putEvent(t, f, "p1", schedNow.Add(time.Hour), "")

	f.svc.tick(context.Background())

	group, _ := f.mem.Get(context.Background(), "t1", "g1")
	assert.Zero(t, group.State.Desired)
	assert.Len(t, remaining(t, f), 1)
}

func TestSchedulerReschedulesCronPolicy(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	putPolicy(f, "p1", "* * * * *")
	putEvent(t, f, "p1", schedNow.Add(-time.Second), "* * * * *")

	f.svc.tick(context.Background())

	events := remaining(t, f)
	require.Len(t, events, 1)
	// Every-minute cron fired at 12:00:30 comes back at 12:01:00.
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), events[0].Trigger)
	assert.Equal(t, 0, events[0].Bucket)
	assert.Equal(t, "v1", events[0].Version)
}

func TestSchedulerDropsEventForDeletedPolicy(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	// No policy stored: the event is consumed and nothing re-scheduled.
	putEvent(t, f, "ghost", schedNow.Add(-time.Second), "* * * * *")

	f.svc.tick(context.Background())

	group, _ := f.mem.Get(context.Background(), "t1", "g1")
	assert.Zero(t, group.State.Desired)
	assert.Empty(t, remaining(t, f))
}

func TestSchedulerDropsStaleEvent(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.mem.PutPolicy("t1", "g1", &store.Policy{ID: "p1", Change: change(1), Version: "v2"})
	putEvent(t, f, "p1", schedNow.Add(-time.Second), "") // carries version v1

	f.svc.tick(context.Background())

	group, _ := f.mem.Get(context.Background(), "t1", "g1")
	assert.Zero(t, group.State.Desired, "stale events must not execute")
	assert.Empty(t, remaining(t, f))
}

func TestSchedulerSkipsBusyBucket(t *testing.T) {
	locks := controller.LockFactory(func(string) controller.Locker { return busyLock{} })
	f := newFixture(t, Config{}, locks)
	putPolicy(f, "p1", "")
	putEvent(t, f, "p1", schedNow.Add(-time.Second), "")

	f.svc.tick(context.Background())

	group, _ := f.mem.Get(context.Background(), "t1", "g1")
	assert.Zero(t, group.State.Desired)
	assert.Len(t, remaining(t, f), 1, "a busy bucket keeps its events")
}

func TestSchedulerIgnoresBucketsWhileAllocating(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.svc.partitioner.(*fakePartitioner).state = coordination.StateAllocating
	putPolicy(f, "p1", "")
	putEvent(t, f, "p1", schedNow.Add(-time.Second), "")

	f.svc.tick(context.Background())

	assert.Len(t, remaining(t, f), 1)
}

func TestSchedulerDrainsFullBatches(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2}, nil)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("p%d", i)
		putPolicy(f, id, "")
		putEvent(t, f, id, schedNow.Add(-time.Minute).Add(time.Duration(i)*time.Second), "")
	}

	f.svc.tick(context.Background())

	assert.Empty(t, remaining(t, f), "a full batch forces another fetch until the bucket drains")
}

func TestSchedulerCooldownRefusalConsumesEvent(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	group, _ := f.mem.Get(context.Background(), "t1", "g1")
	group.Config.Cooldown = 600
	group.State.GroupTouched = schedNow.Add(-time.Minute)
	f.mem.PutGroup(group)
	putPolicy(f, "p1", "")
	putEvent(t, f, "p1", schedNow.Add(-time.Second), "")

	f.svc.tick(context.Background())

	fresh, _ := f.mem.Get(context.Background(), "t1", "g1")
	assert.Zero(t, fresh.State.Desired)
	assert.Empty(t, remaining(t, f), "refused executions still consume the event")
}

// sharedLockSpace is the cluster lock table two scheduler nodes share.
type sharedLockSpace struct {
	mu   sync.Mutex
	held map[string]bool
}

func (s *sharedLockSpace) factory() controller.LockFactory {
	return func(id string) controller.Locker { return &sharedLock{space: s, id: id} }
}

type sharedLock struct {
	space *sharedLockSpace
	id    string
}

func (l *sharedLock) Acquire(context.Context, time.Duration) error {
	l.space.mu.Lock()
	defer l.space.mu.Unlock()
	if l.space.held[l.id] {
		return coordination.ErrBusyLock
	}
	l.space.held[l.id] = true
	return nil
}

func (l *sharedLock) Release() error {
	l.space.mu.Lock()
	defer l.space.mu.Unlock()
	delete(l.space.held, l.id)
	return nil
}

// gatedDispatcher counts deliveries and can hold its first one open so a
// second node's drain provably overlaps it.
type gatedDispatcher struct {
	inner   Dispatcher
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDispatcher) ModifyAndTrigger(ctx context.Context, tenantID, groupID string, fn func(*store.ScalingGroup) error) error {
	d.calls.Add(1)
	if d.entered != nil {
		close(d.entered)
		d.entered = nil
		<-d.release
	}
	return d.inner.ModifyAndTrigger(ctx, tenantID, groupID, fn)
}

func TestSchedulerTwoInstancesDeliverEachEventOnce(t *testing.T) {
	mem := store.NewInMemory()
	mem.PutGroup(&store.ScalingGroup{
		TenantID: "t1",
		GroupID:  "g1",
		State:    store.NewGroupState(),
		Status:   store.StatusActive,
	})
	mem.PutPolicy("t1", "g1", &store.Policy{ID: "p1", Change: change(1), Version: "v1"})
	require.NoError(t, mem.Add(context.Background(), []store.ScheduledEvent{{
		TenantID: "t1",
		GroupID:  "g1",
		PolicyID: "p1",
		Trigger:  schedNow.Add(-time.Second),
		Bucket:   0,
		Version:  "v1",
	}}))

	space := &sharedLockSpace{held: map[string]bool{}}
	cfg := Config{Interval: time.Second, BatchSize: 100, Buckets: 1, Threshold: time.Minute}
	newNode := func(disp Dispatcher) *Service {
		part := &fakePartitioner{state: coordination.StateAcquired, buckets: []int{0}}
		svc := New(cfg, mem, mem, part, space.factory(), disp, controller.New(slog.Default()), slog.Default())
		svc.nowFunc = func() time.Time { return schedNow }
		return svc
	}

	aDisp := &gatedDispatcher{
		inner:   &syncDispatcher{groups: mem},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	bDisp := &gatedDispatcher{inner: &syncDispatcher{groups: mem}}
	a := newNode(aDisp)
	b := newNode(bDisp)

	done := make(chan struct{})
	go func() {
		a.tick(context.Background())
		close(done)
	}()
	<-aDisp.entered // a holds the bucket lock mid-delivery

	b.tick(context.Background())
	assert.Zero(t, bDisp.calls.Load(), "a contended bucket is left to its holder")

	close(aDisp.release)
	<-done

	// Another round on both nodes finds nothing left to deliver.
	a.tick(context.Background())
	b.tick(context.Background())

	assert.Equal(t, int32(1), aDisp.calls.Load())
	assert.Zero(t, bDisp.calls.Load())

	group, err := mem.Get(context.Background(), "t1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, group.State.Desired, "the policy executed exactly once")

	events, err := mem.FetchAndDelete(context.Background(), 0, schedNow.Add(24*time.Hour), 1000)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSchedulerHealth(t *testing.T) {
	f := newFixture(t, Config{Threshold: time.Minute}, nil)

	healthy, _ := f.svc.Healthy(context.Background())
	assert.True(t, healthy, "an empty bucket is healthy")

	putEvent(t, f, "p1", schedNow.Add(-30*time.Second), "")
	healthy, _ = f.svc.Healthy(context.Background())
	assert.True(t, healthy, "an event inside the threshold is healthy")

	putEvent(t, f, "p0", schedNow.Add(-2*time.Minute), "")
	healthy, detail := f.svc.Healthy(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, detail, "bucket 0")
}
