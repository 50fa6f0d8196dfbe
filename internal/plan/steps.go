package plan

// Step is one corrective action in a convergence plan. A plan is an
// unordered multiset of steps; identity ignores emission order.
type Step interface {
	// Kind names the step for logs and metrics.
	Kind() string
}

// CreateServer boots one server from the group's launch template.
type CreateServer struct {
	ServerConfig LaunchArgs
}

func (CreateServer) Kind() string { return "create_server" }

// DeleteServer removes one server.
type DeleteServer struct {
	ServerID string
}

func (DeleteServer) Kind() string { return "delete_server" }

// AddToLoadBalancer registers an address as a node on one load balancer.
type AddToLoadBalancer struct {
	LBID      int
	Address   string
	Port      int
	Weight    int
	Condition string
	Type      string
}

func (AddToLoadBalancer) Kind() string { return "add_to_load_balancer" }

// ChangeLoadBalancerNode updates the mutable attributes of an existing node.
type ChangeLoadBalancerNode struct {
	LBID      int
	NodeID    int
	Weight    int
	Condition string
	Type      string
}

func (ChangeLoadBalancerNode) Kind() string { return "change_load_balancer_node" }

// RemoveFromLoadBalancer deregisters a node from one load balancer.
type RemoveFromLoadBalancer struct {
	LBID   int
	NodeID int
}

func (RemoveFromLoadBalancer) Kind() string { return "remove_from_load_balancer" }
