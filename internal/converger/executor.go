package converger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ottercloud/otter/internal/identity"
	"github.com/ottercloud/otter/internal/metrics"
	"github.com/ottercloud/otter/internal/plan"
	"github.com/ottercloud/otter/internal/store"
	"github.com/ottercloud/otter/internal/transport"
)

// Outcome is the aggregated result of one convergence pass. Aggregation
// takes the worst step result: SUCCESS < RETRY < FAILURE.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeRetry:
		return "RETRY"
	case OutcomeFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Executor runs one convergence pass for a group.
type Executor interface {
	Converge(ctx context.Context, group *store.ScalingGroup) (Outcome, error)
}

// StepExecutor is the direct-steps Executor: gather, plan, dispatch.
type StepExecutor struct {
	factory      *ClientFactory
	buildTimeout time.Duration
	log          *slog.Logger
	nowFunc      func() time.Time
}

func NewStepExecutor(factory *ClientFactory, buildTimeout time.Duration, log *slog.Logger) *StepExecutor {
	return &StepExecutor{
		factory:      factory,
		buildTimeout: buildTimeout,
		log:          log.With("system", "otter.converger"),
		nowFunc:      time.Now,
	}
}

// Converge gathers observations, plans, and dispatches the steps. All step
// requests run in parallel; there is no intra-plan ordering. The state's
// desired is the source of truth throughout.
func (e *StepExecutor) Converge(ctx context.Context, group *store.ScalingGroup) (Outcome, error) {
	log := e.log.With("tenant_id", group.TenantID, "scaling_group_id", group.GroupID)
	clients := e.factory.ForTenant(group.TenantID)

	servers, lbNodes, pools, err := e.gather(ctx, clients, group)
	if err != nil {
		return OutcomeRetry, err
	}
	refreshState(group.State, servers)

	steps := plan.Converge(group.State.Desired, group.Launch.ServerArgs,
		servers, lbNodes, e.nowFunc().UTC(), e.buildTimeout)
	attaches := missingPoolMembers(group, servers, pools)
	if len(steps) == 0 && len(attaches) == 0 {
		log.Debug("group already converged", "desired", group.State.Desired)
		return OutcomeSuccess, nil
	}

	e.auditDelta(log, group, steps)

	results := make([]Outcome, len(steps)+len(attaches))
	g, gctx := errgroup.WithContext(ctx)
	for i, step := range steps {
		i, step := i, step
		g.Go(func() error {
			err := e.dispatch(gctx, clients, group, step)
			results[i] = classify(err)
			if err != nil {
				log.Warn("convergence step failed",
					"step", step.Kind(), "outcome", results[i].String(), "error", err)
			}
			metrics.ConvergenceSteps.WithLabelValues(step.Kind(), results[i].String()).Inc()
			return nil
		})
	}
	for j, attach := range attaches {
		i, attach := len(steps)+j, attach
		g.Go(func() error {
			err := clients.RCv3.AddToPool(gctx, attach.poolID, attach.serverID)
			results[i] = classify(err)
			if err != nil {
				log.Warn("pool attach failed", "pool_id", attach.poolID,
					"server_id", attach.serverID, "outcome", results[i].String(), "error", err)
			}
			metrics.ConvergenceSteps.WithLabelValues("add_to_rcv3_pool", results[i].String()).Inc()
			return nil
		})
	}
	// Step errors are folded into results; the group only fails on
	// context cancellation.
	if err := g.Wait(); err != nil {
		return OutcomeFailure, err
	}

	worst := OutcomeSuccess
	for _, r := range results {
		if r > worst {
			worst = r
		}
	}
	metrics.ConvergencePasses.WithLabelValues(worst.String()).Inc()
	log.Info("convergence pass complete", "steps", len(steps), "outcome", worst.String())
	return worst, nil
}

// gather snapshots the group's servers, LB nodes, and RackConnect pool
// memberships. Desired memberships come from the launch config and are
// attached to every server.
func (e *StepExecutor) gather(ctx context.Context, clients *CloudClients, group *store.ScalingGroup) ([]plan.NovaServer, []plan.LBNode, map[int]map[string]bool, error) {
	servers, err := clients.Nova.ListGroupServers(ctx, group.GroupID)
	if err != nil {
		return nil, nil, nil, err
	}

	desired := desiredLBs(group.Launch)
	for i := range servers {
		servers[i].DesiredLBs = desired
	}

	var lbNodes []plan.LBNode
	var pools map[int]map[string]bool
	for _, spec := range group.Launch.LoadBalancers {
		if spec.Type == "RackConnectV3" {
			// Pool membership is keyed by server id, not address, so it
			// is diffed here instead of in the planner's alphabet.
			members, err := clients.RCv3.PoolMembers(ctx, spec.ID)
			if err != nil {
				return nil, nil, nil, err
			}
			if pools == nil {
				pools = map[int]map[string]bool{}
			}
			pools[spec.ID] = members
			continue
		}
		nodes, err := clients.CLB.ListNodes(ctx, spec.ID)
		if err != nil {
			return nil, nil, nil, err
		}
		lbNodes = append(lbNodes, nodes...)
	}
	return servers, lbNodes, pools, nil
}

// poolAttach names one missing RackConnect pool membership.
type poolAttach struct {
	poolID   int
	serverID string
}

// missingPoolMembers diffs the group's active servers against the gathered
// pool memberships. Building servers are left for a later pass.
func missingPoolMembers(group *store.ScalingGroup, servers []plan.NovaServer, pools map[int]map[string]bool) []poolAttach {
	var out []poolAttach
	for _, spec := range group.Launch.LoadBalancers {
		if spec.Type != "RackConnectV3" {
			continue
		}
		members := pools[spec.ID]
		for _, srv := range servers {
			if srv.State != plan.ServerActive || members[srv.ID] {
				continue
			}
			out = append(out, poolAttach{poolID: spec.ID, serverID: srv.ID})
		}
	}
	return out
}

// refreshState overwrites the state's capacity sets with the observations
// just gathered, so audit snapshots and readers see live counts.
func refreshState(state *store.GroupState, servers []plan.NovaServer) {
	state.Active = map[string]store.ActiveServer{}
	state.Pending = map[string]struct{}{}
	for _, srv := range servers {
		switch srv.State {
		case plan.ServerActive:
			state.Active[srv.ID] = store.ActiveServer{Created: srv.Created}
		case plan.ServerBuild:
			state.Pending[srv.ID] = struct{}{}
		}
	}
}

func desiredLBs(launch store.LaunchConfig) []plan.LBConfig {
	var out []plan.LBConfig
	for _, spec := range launch.LoadBalancers {
		if spec.Type == "RackConnectV3" {
			continue
		}
		out = append(out, plan.LBConfig{LBID: spec.ID, Port: spec.Port}.Normalize())
	}
	return out
}

func (e *StepExecutor) dispatch(ctx context.Context, clients *CloudClients, group *store.ScalingGroup, step plan.Step) error {
	switch s := step.(type) {
	case plan.CreateServer:
		return clients.Nova.CreateServer(ctx, withGroupMetadata(s.ServerConfig, group.GroupID))
	case plan.DeleteServer:
		if err := clients.Nova.DeleteServer(ctx, s.ServerID); err != nil {
			return err
		}
		return e.removeFromPools(ctx, clients, group, s.ServerID)
	case plan.AddToLoadBalancer:
		return clients.CLB.AddNode(ctx, s)
	case plan.ChangeLoadBalancerNode:
		return clients.CLB.ChangeNode(ctx, s)
	case plan.RemoveFromLoadBalancer:
		return clients.CLB.RemoveNode(ctx, s)
	default:
		return fmt.Errorf("converger: unknown step %T", step)
	}
}

// removeFromPools detaches a deleted server from any RackConnect pools the
// group is configured with.
func (e *StepExecutor) removeFromPools(ctx context.Context, clients *CloudClients, group *store.ScalingGroup, serverID string) error {
	for _, spec := range group.Launch.LoadBalancers {
		if spec.Type != "RackConnectV3" {
			continue
		}
		if err := clients.RCv3.RemoveFromPool(ctx, spec.ID, serverID); err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}

// auditDelta emits the convergence.scale_up / scale_down audit event with
// the signed delta and the capacity snapshot.
func (e *StepExecutor) auditDelta(log *slog.Logger, group *store.ScalingGroup, steps []plan.Step) {
	creates, deletes := 0, 0
	for _, step := range steps {
		switch step.(type) {
		case plan.CreateServer:
			creates++
		case plan.DeleteServer:
			deletes++
		}
	}
	delta := creates - deletes
	if delta == 0 {
		return
	}

	eventType := "convergence.scale_up"
	if delta < 0 {
		eventType = "convergence.scale_down"
	}
	log.Info("converging toward desired capacity",
		"event_type", eventType,
		"convergence_delta", delta,
		"desired_capacity", group.State.Desired,
		"current_capacity", len(group.State.Active),
		"pending_capacity", len(group.State.Pending),
		"audit_log", true)
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrUpdateInProgress):
		return OutcomeRetry
	case errors.Is(err, identity.ErrAuthenticationFailed):
		return OutcomeFailure
	case transport.DefaultRetryable(err):
		return OutcomeRetry
	default:
		return OutcomeFailure
	}
}

// withGroupMetadata stamps the group id into the launch template's
// metadata so the next gathering pass claims the server.
func withGroupMetadata(launch plan.LaunchArgs, groupID string) plan.LaunchArgs {
	patched, err := injectMetadata(launch, GroupMetadataKey, groupID)
	if err != nil {
		// An unparsable template fails at the compute service anyway;
		// send it unmodified.
		return launch
	}
	return patched
}
