// Package plan holds the observation model, the step alphabet, and the pure
// convergence planner that diffs observed cloud state against desired state.
package plan

import (
	"encoding/json"
	"time"
)

// ServerState is the compute service's view of a server.
type ServerState string

const (
	ServerActive  ServerState = "ACTIVE"
	ServerBuild   ServerState = "BUILD"
	ServerError   ServerState = "ERROR"
	ServerShutoff ServerState = "SHUTOFF"
	ServerDeleted ServerState = "DELETED"
)

// LBConfig describes one desired load-balancer membership: which LB, which
// port, and how the node should be configured.
type LBConfig struct {
	LBID      int    `json:"lbId"`
	Port      int    `json:"port"`
	Weight    int    `json:"weight"`
	Condition string `json:"condition"`
	Type      string `json:"type"`
}

const (
	DefaultWeight    = 1
	DefaultCondition = "ENABLED"
	DefaultType      = "PRIMARY"
)

// Normalize fills the default node configuration for unset fields.
func (c LBConfig) Normalize() LBConfig {
	if c.Weight == 0 {
		c.Weight = DefaultWeight
	}
	if c.Condition == "" {
		c.Condition = DefaultCondition
	}
	if c.Type == "" {
		c.Type = DefaultType
	}
	return c
}

// Equivalent reports whether two configs name the same logical membership,
// ignoring the mutable node attributes.
func (c LBConfig) Equivalent(other LBConfig) bool {
	return c.LBID == other.LBID && c.Port == other.Port
}

// NovaServer is a transient observation of one compute server.
type NovaServer struct {
	ID                string
	State             ServerState
	Created           time.Time
	ServicenetAddress string
	DesiredLBs        []LBConfig
}

// LBNode is a transient observation of one load-balancer node.
type LBNode struct {
	NodeID  int
	Address string
	Config  LBConfig
}

// Matches reports whether the node fronts the given server.
func (n LBNode) Matches(server NovaServer) bool {
	return server.ServicenetAddress != "" && n.Address == server.ServicenetAddress
}

// LaunchArgs is the opaque server template handed to CreateServer steps.
type LaunchArgs = json.RawMessage
