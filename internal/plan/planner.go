package plan

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// Converge computes the steps that move the observed servers and
// load-balancer nodes to the desired capacity. It is pure: same inputs,
// same multiset of steps, and it cannot error.
//
// A server is building while its state is BUILD and it is younger than
// buildTimeout; a BUILD server at or past the timeout is treated as
// errored, as is ERROR and SHUTOFF. Healthy is ACTIVE or building.
func Converge(desired int, launch LaunchArgs, servers []NovaServer, lbNodes []LBNode, now time.Time, buildTimeout time.Duration) []Step {
	var errored, building, active []NovaServer
	for _, server := range servers {
		switch server.State {
		case ServerActive:
			active = append(active, server)
		case ServerBuild:
			if now.Sub(server.Created) >= buildTimeout {
				errored = append(errored, server)
			} else {
				building = append(building, server)
			}
		case ServerError, ServerShutoff:
			errored = append(errored, server)
		default:
			// Transitional or unknown states contribute nothing: they are
			// neither survivors nor deletion candidates this pass.
		}
	}

	var steps []Step

	// Errored servers are deleted along with all their LB memberships.
	for _, server := range errored {
		steps = append(steps, DeleteServer{ServerID: server.ID})
		steps = append(steps, removeMemberships(server, lbNodes)...)
	}

	survivors := len(building) + len(active)

	if survivors < desired {
		for i := 0; i < desired-survivors; i++ {
			steps = append(steps, CreateServer{ServerConfig: launch})
		}
	}

	doomed := map[string]bool{}
	if survivors > desired {
		// Scale down prefers building servers regardless of age, then
		// active servers oldest first.
		victims := append(
			append([]NovaServer(nil), building...),
			sortedByCreated(active)...)
		for _, server := range victims[:survivors-desired] {
			doomed[server.ID] = true
			steps = append(steps, DeleteServer{ServerID: server.ID})
			steps = append(steps, removeMemberships(server, lbNodes)...)
		}
	}

	// Active servers that stay get their LB membership converged.
	for _, server := range active {
		if doomed[server.ID] {
			continue
		}
		steps = append(steps, convergeLBState(server, lbNodes)...)
	}

	return steps
}

// removeMemberships emits one RemoveFromLoadBalancer per LB node fronting
// the server. A server without a servicenet address has no memberships.
func removeMemberships(server NovaServer, lbNodes []LBNode) []Step {
	nodes := lo.Filter(lbNodes, func(n LBNode, _ int) bool { return n.Matches(server) })
	return lo.Map(nodes, func(n LBNode, _ int) Step {
		return RemoveFromLoadBalancer{LBID: n.Config.LBID, NodeID: n.NodeID}
	})
}

// convergeLBState diffs one server's current memberships against its
// desired ones.
func convergeLBState(server NovaServer, lbNodes []LBNode) []Step {
	current := lo.Filter(lbNodes, func(n LBNode, _ int) bool { return n.Matches(server) })

	var steps []Step
	matched := map[int]bool{} // node ids with a desired counterpart

	for _, rawDesired := range server.DesiredLBs {
		desired := rawDesired.Normalize()
		node, found := lo.Find(current, func(n LBNode) bool {
			return n.Config.Equivalent(desired)
		})
		switch {
		case !found:
			if server.ServicenetAddress == "" {
				continue
			}
			steps = append(steps, AddToLoadBalancer{
				LBID:      desired.LBID,
				Address:   server.ServicenetAddress,
				Port:      desired.Port,
				Weight:    desired.Weight,
				Condition: desired.Condition,
				Type:      desired.Type,
			})
		default:
			matched[node.NodeID] = true
			have := node.Config.Normalize()
			if have.Weight != desired.Weight || have.Condition != desired.Condition || have.Type != desired.Type {
				steps = append(steps, ChangeLoadBalancerNode{
					LBID:      desired.LBID,
					NodeID:    node.NodeID,
					Weight:    desired.Weight,
					Condition: desired.Condition,
					Type:      desired.Type,
				})
			}
		}
	}

	for _, node := range current {
		if !matched[node.NodeID] {
			steps = append(steps, RemoveFromLoadBalancer{LBID: node.Config.LBID, NodeID: node.NodeID})
		}
	}
	return steps
}

func sortedByCreated(servers []NovaServer) []NovaServer {
	sorted := append([]NovaServer(nil), servers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Created.Before(sorted[j].Created)
	})
	return sorted
}
