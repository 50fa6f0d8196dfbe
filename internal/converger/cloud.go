// Package converger gathers cloud observations, runs the planner, and
// dispatches the resulting step requests.
package converger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ottercloud/otter/internal/circuitbreaker"
	"github.com/ottercloud/otter/internal/config"
	"github.com/ottercloud/otter/internal/identity"
	"github.com/ottercloud/otter/internal/plan"
	"github.com/ottercloud/otter/internal/transport"
)

// GroupMetadataKey tags a server as owned by a scaling group.
const GroupMetadataKey = "rax:auto_scaling_group_id"

const serverPageLimit = 100

// ErrUpdateInProgress: the remote service is mid-update; the caller queues
// exactly one follow-up convergence.
var ErrUpdateInProgress = errors.New("converger: update already in progress")

// CloudClients is the per-tenant set of bound service clients.
type CloudClients struct {
	Nova *NovaClient
	CLB  *CLBClient
	RCv3 *RCv3Client
}

// ClientFactory builds per-tenant clients sharing one HTTP pool and one
// circuit breaker per service.
type ClientFactory struct {
	auth       identity.Authenticator
	cloud      config.CloudConfig
	conv       config.ConvergenceConfig
	httpClient *http.Client

	novaBreaker *circuitbreaker.CircuitBreaker
	clbBreaker  *circuitbreaker.CircuitBreaker
	rcv3Breaker *circuitbreaker.CircuitBreaker
}

func NewClientFactory(auth identity.Authenticator, cloud config.CloudConfig, conv config.ConvergenceConfig) *ClientFactory {
	if conv.LBMaxRetries == 0 {
		conv.LBMaxRetries = cloud.MaxRetries
	}
	return &ClientFactory{
		auth:        auth,
		cloud:       cloud,
		conv:        conv,
		httpClient:  &http.Client{},
		novaBreaker: circuitbreaker.New(circuitbreaker.DefaultConfig("nova")),
		clbBreaker:  circuitbreaker.New(circuitbreaker.DefaultConfig("clb")),
		rcv3Breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("rcv3")),
	}
}

func (f *ClientFactory) bound(tenantID, serviceName string, breaker *circuitbreaker.CircuitBreaker, retries int) *transport.Bound {
	return transport.NewBound(f.auth, transport.BoundConfig{
		ServiceName: serviceName,
		Region:      f.cloud.Region,
		TenantID:    tenantID,
		Retries:     uint(retries),
		Timeout:     time.Duration(f.cloud.RequestTimeoutSeconds) * time.Second,
		Breaker:     breaker,
		HTTPClient:  f.httpClient,
	})
}

// ForTenant binds the three services for one tenant. Load balancer calls
// carry their own retry bound.
func (f *ClientFactory) ForTenant(tenantID string) *CloudClients {
	return &CloudClients{
		Nova: &NovaClient{bound: f.bound(tenantID, f.cloud.ServerServiceName, f.novaBreaker, f.cloud.MaxRetries)},
		CLB:  &CLBClient{bound: f.bound(tenantID, f.cloud.LBServiceName, f.clbBreaker, f.conv.LBMaxRetries)},
		RCv3: &RCv3Client{bound: f.bound(tenantID, f.cloud.RackConnectServiceName, f.rcv3Breaker, f.conv.LBMaxRetries)},
	}
}

// NovaClient talks to the compute service.
type NovaClient struct {
	bound *transport.Bound
}

type novaServerPage struct {
	Servers []novaServerDetail `json:"servers"`
}

type novaServerDetail struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Created  time.Time         `json:"created"`
	Metadata map[string]string `json:"metadata"`
	Addresses map[string][]struct {
		Addr    string `json:"addr"`
		Version int    `json:"version"`
	} `json:"addresses"`
}

// ListGroupServers pages through /servers/detail at limit 100 until a short
// page returns, keeping only servers tagged with the group's metadata key.
func (c *NovaClient) ListGroupServers(ctx context.Context, groupID string) ([]plan.NovaServer, error) {
	var out []plan.NovaServer
	marker := ""
	for {
		path := fmt.Sprintf("servers/detail?limit=%d", serverPageLimit)
		if marker != "" {
			path += "&marker=" + marker
		}
		var page novaServerPage
		if err := c.bound.JSON(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, fmt.Errorf("converger: list servers: %w", err)
		}
		for _, s := range page.Servers {
			if s.Metadata[GroupMetadataKey] != groupID {
				continue
			}
			out = append(out, plan.NovaServer{
				ID:                s.ID,
				State:             plan.ServerState(s.Status),
				Created:           s.Created,
				ServicenetAddress: s.servicenetAddress(),
			})
		}
		if len(page.Servers) < serverPageLimit {
			return out, nil
		}
		marker = page.Servers[len(page.Servers)-1].ID
	}
}

// servicenetAddress picks the internal IPv4 address used for LB
// registration. Absent means the server contributes no LB steps.
func (d novaServerDetail) servicenetAddress() string {
	for _, addr := range d.Addresses["private"] {
		if addr.Version == 4 || addr.Version == 0 {
			return addr.Addr
		}
	}
	return ""
}

// CreateServer boots a server from the launch template.
func (c *NovaClient) CreateServer(ctx context.Context, launch plan.LaunchArgs) error {
	body := map[string]any{"server": launch}
	return c.bound.JSON(ctx, http.MethodPost, "servers", body, nil,
		transport.WithSuccessCodes(http.StatusCreated, http.StatusAccepted))
}

// DeleteServer removes a server. A 404 is idempotent success: the server
// is already gone, which is the state we wanted.
func (c *NovaClient) DeleteServer(ctx context.Context, serverID string) error {
	err := c.bound.JSON(ctx, http.MethodDelete, "servers/"+serverID, nil, nil,
		transport.WithSuccessCodes(http.StatusAccepted, http.StatusNoContent))
	if isNotFound(err) {
		return nil
	}
	return err
}

// CLBClient talks to the cloud load balancer service.
type CLBClient struct {
	bound *transport.Bound
}

type clbNodePage struct {
	Nodes []clbNode `json:"nodes"`
}

type clbNode struct {
	ID        int    `json:"id"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Weight    int    `json:"weight"`
	Condition string `json:"condition"`
	Type      string `json:"type"`
}

// ListNodes returns the current nodes of one load balancer.
func (c *CLBClient) ListNodes(ctx context.Context, lbID int) ([]plan.LBNode, error) {
	var page clbNodePage
	path := fmt.Sprintf("loadbalancers/%d/nodes", lbID)
	if err := c.bound.JSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("converger: list nodes of lb %d: %w", lbID, err)
	}
	nodes := make([]plan.LBNode, 0, len(page.Nodes))
	for _, n := range page.Nodes {
		nodes = append(nodes, plan.LBNode{
			NodeID:  n.ID,
			Address: n.Address,
			Config: plan.LBConfig{
				LBID:      lbID,
				Port:      n.Port,
				Weight:    n.Weight,
				Condition: n.Condition,
				Type:      n.Type,
			}.Normalize(),
		})
	}
	return nodes, nil
}

// AddNode registers an address with a load balancer. A node-address
// collision is idempotent success.
func (c *CLBClient) AddNode(ctx context.Context, step plan.AddToLoadBalancer) error {
	body := map[string]any{
		"nodes": []map[string]any{{
			"address":   step.Address,
			"port":      step.Port,
			"weight":    step.Weight,
			"condition": step.Condition,
			"type":      step.Type,
		}},
	}
	path := fmt.Sprintf("loadbalancers/%d/nodes", step.LBID)
	err := c.bound.JSON(ctx, http.MethodPost, path, body, nil,
		transport.WithSuccessCodes(http.StatusOK, http.StatusCreated, http.StatusAccepted))
	if isDuplicateNode(err) {
		return nil
	}
	return translateLBError(err)
}

// ChangeNode updates a node's weight, condition, or type.
func (c *CLBClient) ChangeNode(ctx context.Context, step plan.ChangeLoadBalancerNode) error {
	body := map[string]any{
		"node": map[string]any{
			"weight":    step.Weight,
			"condition": step.Condition,
			"type":      step.Type,
		},
	}
	path := fmt.Sprintf("loadbalancers/%d/nodes/%d", step.LBID, step.NodeID)
	return translateLBError(c.bound.JSON(ctx, http.MethodPut, path, body, nil,
		transport.WithSuccessCodes(http.StatusOK, http.StatusAccepted)))
}

// RemoveNode deregisters a node. A 404 is idempotent success.
func (c *CLBClient) RemoveNode(ctx context.Context, step plan.RemoveFromLoadBalancer) error {
	path := fmt.Sprintf("loadbalancers/%d/nodes/%d", step.LBID, step.NodeID)
	err := c.bound.JSON(ctx, http.MethodDelete, path, nil, nil,
		transport.WithSuccessCodes(http.StatusAccepted, http.StatusNoContent))
	if isNotFound(err) {
		return nil
	}
	return translateLBError(err)
}

// RCv3Client talks to the RackConnect v3 service.
type RCv3Client struct {
	bound *transport.Bound
}

type rcv3Pair struct {
	LoadBalancerPool struct {
		ID int `json:"id"`
	} `json:"load_balancer_pool"`
	CloudServer struct {
		ID string `json:"id"`
	} `json:"cloud_server"`
}

func rcv3Body(poolID int, serverID string) []rcv3Pair {
	var pair rcv3Pair
	pair.LoadBalancerPool.ID = poolID
	pair.CloudServer.ID = serverID
	return []rcv3Pair{pair}
}

// AddToPool attaches a server to a load balancer pool. An existing
// membership is idempotent success.
func (c *RCv3Client) AddToPool(ctx context.Context, poolID int, serverID string) error {
	err := c.bound.JSON(ctx, http.MethodPost, "load_balancer_pools/nodes",
		rcv3Body(poolID, serverID), nil,
		transport.WithSuccessCodes(http.StatusCreated))
	if isAlreadyMember(err) {
		return nil
	}
	return err
}

// PoolMembers lists the server ids currently attached to a pool.
func (c *RCv3Client) PoolMembers(ctx context.Context, poolID int) (map[string]bool, error) {
	var nodes []struct {
		CloudServer struct {
			ID string `json:"id"`
		} `json:"cloud_server"`
	}
	path := fmt.Sprintf("load_balancer_pools/%d/nodes", poolID)
	if err := c.bound.JSON(ctx, http.MethodGet, path, nil, &nodes); err != nil {
		return nil, fmt.Errorf("converger: list members of pool %d: %w", poolID, err)
	}
	members := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		members[n.CloudServer.ID] = true
	}
	return members, nil
}

// RemoveFromPool detaches a server from a load balancer pool.
func (c *RCv3Client) RemoveFromPool(ctx context.Context, poolID int, serverID string) error {
	return c.bound.JSON(ctx, http.MethodDelete, "load_balancer_pools/nodes",
		rcv3Body(poolID, serverID), nil,
		transport.WithSuccessCodes(http.StatusNoContent))
}

func isNotFound(err error) bool {
	var apiErr *transport.APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// isAlreadyMember matches the RackConnect response for a server that is
// already attached to the pool.
func isAlreadyMember(err error) bool {
	var apiErr *transport.APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict &&
		strings.Contains(strings.ToLower(string(apiErr.Body)), "already a member")
}

// isDuplicateNode matches the LB service's node-address collision response.
func isDuplicateNode(err error) bool {
	var apiErr *transport.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code != http.StatusUnprocessableEntity && apiErr.Code != http.StatusConflict {
		return false
	}
	return strings.Contains(strings.ToLower(string(apiErr.Body)), "duplicate")
}

// translateLBError maps the LB service's mid-update rejections onto
// ErrUpdateInProgress so the serializer can queue a follow-up.
func translateLBError(err error) error {
	var apiErr *transport.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Code == http.StatusConflict {
		return fmt.Errorf("%w: %v", ErrUpdateInProgress, err)
	}
	if apiErr.Code == http.StatusBadRequest &&
		strings.Contains(string(apiErr.Body), "PENDING_UPDATE") {
		return fmt.Errorf("%w: %v", ErrUpdateInProgress, err)
	}
	return err
}
