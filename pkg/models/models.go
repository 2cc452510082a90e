// Package models defines the cluster, node and endpoint records manipulated
// by provisioning flows, and the storage contract they are persisted through.
package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Status is the lifecycle status of a cluster or node.
type Status string

const (
	StatusBuilding Status = "BUILDING"
	StatusActive   Status = "ACTIVE"
	StatusDeleting Status = "DELETING"
	StatusDeleted  Status = "DELETED"
	StatusError    Status = "ERROR"
	StatusDown     Status = "DOWN"
)

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusBuilding, StatusActive, StatusDeleting, StatusDeleted, StatusError, StatusDown:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// IsTerminal returns true for statuses no flow will move away from.
func (s Status) IsTerminal() bool {
	return s == StatusDeleted
}

// healthRank orders statuses for worst-case reduction.
var healthRank = map[Status]int{
	StatusActive: 0,
	StatusDown:   1,
	StatusError:  2,
}

// Worst returns the less healthy of a and b (ACTIVE < DOWN < ERROR).
// Statuses outside that scale count as ERROR.
func Worst(a, b Status) Status {
	ra, ok := healthRank[a]
	if !ok {
		ra, a = 2, StatusError
	}
	rb, ok := healthRank[b]
	if !ok {
		rb, b = 2, StatusError
	}
	if rb > ra {
		return b
	}
	return a
}

// Cluster is a broker cluster.
type Cluster struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	NetworkID   string    `json:"network_id"`
	Flavor      string    `json:"flavor"`
	Image       string    `json:"image"`
	Size        int       `json:"size"`
	VolumeSize  int       `json:"volume_size"`
	Status      Status    `json:"status"`
	GroupID     string    `json:"group_id,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Node is one broker VM of a cluster.
type Node struct {
	ID         string    `json:"id"`
	ClusterID  string    `json:"cluster_id"`
	InstanceID string    `json:"instance_id,omitempty"`
	Flavor     string    `json:"flavor"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Endpoint is a reachable broker address of a node.
type Endpoint struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	URI       string    `json:"uri"`
	Type      string    `json:"type"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
}

// ClusterUpdate lists the cluster fields to change. Nil fields are kept.
type ClusterUpdate struct {
	Status      *Status
	GroupID     *string
	ErrorDetail *string
}

// NodeUpdate lists the node fields to change. Nil fields are kept.
type NodeUpdate struct {
	Status     *Status
	InstanceID *string
}

// EndpointUpdate lists the endpoint fields to change.
type EndpointUpdate struct {
	Deleted *bool
}

// Ptr returns a pointer to v, for building updates.
func Ptr[T any](v T) *T {
	return &v
}

// Storage persists clusters, nodes and endpoints. Every lookup returns an
// error matching ErrNotFound for missing records.
type Storage interface {
	CreateCluster(ctx context.Context, c *Cluster) error
	GetCluster(ctx context.Context, id string) (*Cluster, error)
	UpdateCluster(ctx context.Context, id string, u ClusterUpdate) error
	ListClusters(ctx context.Context, statuses ...Status) ([]*Cluster, error)

	CreateNode(ctx context.Context, n *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	UpdateNode(ctx context.Context, id string, u NodeUpdate) error
	ListNodes(ctx context.Context, clusterID string) ([]*Node, error)

	CreateEndpoint(ctx context.Context, e *Endpoint) error
	UpdateEndpoints(ctx context.Context, nodeID string, u EndpointUpdate) error
	ListEndpoints(ctx context.Context, nodeID string) ([]*Endpoint, error)
}
