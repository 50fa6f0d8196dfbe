package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PartitionerState is the partitioner's position in its allocation cycle.
type PartitionerState int

const (
	// StateAllocating: membership is being (re)computed; do not act.
	StateAllocating PartitionerState = iota
	// StateAcquired: the bucket assignment is valid.
	StateAcquired
	// StateRelease: membership changed; the old assignment is being
	// given up before reallocation.
	StateRelease
)

func (s PartitionerState) String() string {
	switch s {
	case StateAllocating:
		return "ALLOCATING"
	case StateAcquired:
		return "ACQUIRED"
	case StateRelease:
		return "RELEASE"
	default:
		return "UNKNOWN"
	}
}

// Partitioner assigns a subset of buckets [0, buckets) to this node.
// Every participating node registers a TTL'd member key and heartbeats it;
// the live member set is the sorted list of registered node ids, and bucket
// b belongs to the node at index b mod len(members).
//
// Consumers call Tick each scheduling interval and only act on the owned
// buckets when State is StateAcquired. A membership change forces
// RELEASE -> ALLOCATING -> ACQUIRED so no bucket is acted on by two nodes
// with the same assignment epoch.
type Partitioner struct {
	client  *redis.Client
	path    string
	nodeID  string
	buckets int
	log     *slog.Logger

	mu      sync.Mutex
	state   PartitionerState
	owned   []int
	members []string
	stop    chan struct{}
	done    chan struct{}
}

func NewPartitioner(client *redis.Client, path, nodeID string, buckets int, log *slog.Logger) *Partitioner {
	return &Partitioner{
		client:  client,
		path:    path,
		nodeID:  nodeID,
		buckets: buckets,
		state:   StateAllocating,
		log:     log.With("system", "otter.partitioner", "path", path, "node_id", nodeID),
	}
}

func (p *Partitioner) memberKey() string {
	return fmt.Sprintf("otter:partitioner:%s:members:%s", p.path, p.nodeID)
}

func (p *Partitioner) memberPrefix() string {
	return fmt.Sprintf("otter:partitioner:%s:members:", p.path)
}

// Start registers this node and begins heartbeating its membership.
func (p *Partitioner) Start(ctx context.Context) error {
	if err := p.client.Set(ctx, p.memberKey(), p.nodeID, claimTTL).Err(); err != nil {
		return fmt.Errorf("coordination: register partitioner member: %w", err)
	}
	p.mu.Lock()
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hbCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				err := p.client.Set(hbCtx, p.memberKey(), p.nodeID, claimTTL).Err()
				cancel()
				if err != nil {
					p.log.Warn("partitioner heartbeat failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop deregisters this node.
func (p *Partitioner) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.client.Del(ctx, p.memberKey())
}

// Tick advances the state machine against current membership. Consumers
// call it once per scheduling interval.
func (p *Partitioner) Tick(ctx context.Context) error {
	members, err := p.liveMembers(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateAcquired:
		if !sameMembers(p.members, members) {
			// Honor release before reallocating.
			p.state = StateRelease
			p.owned = nil
			p.log.Info("partitioner membership changed, releasing",
				"old", p.members, "new", members)
		}
	case StateRelease:
		p.state = StateAllocating
	case StateAllocating:
		if len(members) == 0 {
			return nil
		}
		index := indexOf(members, p.nodeID)
		if index < 0 {
			// Our member key expired; wait for the heartbeat to restore it.
			return nil
		}
		p.owned = nil
		for b := 0; b < p.buckets; b++ {
			if b%len(members) == index {
				p.owned = append(p.owned, b)
			}
		}
		p.members = members
		p.state = StateAcquired
		p.log.Info("partitioner acquired", "buckets", p.owned, "members", members)
	}
	return nil
}

// State reports the current allocation state.
func (p *Partitioner) State() PartitionerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OwnedBuckets returns this node's assignment. Only meaningful while the
// state is StateAcquired.
func (p *Partitioner) OwnedBuckets() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.owned...)
}

func (p *Partitioner) liveMembers(ctx context.Context) ([]string, error) {
	var members []string
	iter := p.client.Scan(ctx, 0, p.memberPrefix()+"*", 100).Iterator()
	for iter.Next(ctx) {
		members = append(members, strings.TrimPrefix(iter.Val(), p.memberPrefix()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("coordination: scan partitioner members: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func indexOf(members []string, id string) int {
	for i, m := range members {
		if m == id {
			return i
		}
	}
	return -1
}
