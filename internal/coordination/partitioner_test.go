package coordination

import (
	"context"
	"log/slog"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionerSingleNodeOwnsEverything(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	p := NewPartitioner(client, "sched", "node-a", 10, slog.Default())
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.NoError(t, p.Tick(ctx))
	assert.Equal(t, StateAcquired, p.State())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, p.OwnedBuckets())
}

func TestPartitionerSplitsBucketsAcrossNodes(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	a := NewPartitioner(client, "sched", "node-a", 10, slog.Default())
	b := NewPartitioner(client, "sched", "node-b", 10, slog.Default())
	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	require.NoError(t, a.Tick(ctx))
	require.NoError(t, b.Tick(ctx))
	require.Equal(t, StateAcquired, a.State())
	require.Equal(t, StateAcquired, b.State())

	owned := append(a.OwnedBuckets(), b.OwnedBuckets()...)
	sort.Ints(owned)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, owned, "the assignment is a disjoint cover")
	assert.Len(t, a.OwnedBuckets(), 5)
	assert.Len(t, b.OwnedBuckets(), 5)
}

func TestPartitionerReleasesBeforeReallocating(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	a := NewPartitioner(client, "sched", "node-a", 10, slog.Default())
	b := NewPartitioner(client, "sched", "node-b", 10, slog.Default())
	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	require.NoError(t, b.Start(ctx))

	require.NoError(t, a.Tick(ctx))
	require.Equal(t, StateAcquired, a.State())

	// node-b leaves; node-a must give up its assignment before taking the
	// whole ring.
	b.Stop()

	require.NoError(t, a.Tick(ctx))
	assert.Equal(t, StateRelease, a.State())
	assert.Empty(t, a.OwnedBuckets())

	require.NoError(t, a.Tick(ctx))
	assert.Equal(t, StateAllocating, a.State())

	require.NoError(t, a.Tick(ctx))
	assert.Equal(t, StateAcquired, a.State())
	assert.Len(t, a.OwnedBuckets(), 10)
}

func TestPartitionerStableAssignmentAcrossTicks(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	p := NewPartitioner(client, "sched", "node-a", 4, slog.Default())
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.NoError(t, p.Tick(ctx))
	first := p.OwnedBuckets()
	require.NoError(t, p.Tick(ctx))
	assert.Equal(t, first, p.OwnedBuckets(), "unchanged membership keeps the assignment")
	assert.Equal(t, StateAcquired, p.State())
}
