package conductor

import (
	"context"
	"errors"
	"fmt"

	"github.com/mqfleet/mqfleet/pkg/flows"
	"github.com/mqfleet/mqfleet/pkg/jobboard"
	"github.com/mqfleet/mqfleet/pkg/models"
	"github.com/mqfleet/mqfleet/pkg/telemetry"
)

// ErrRejected is returned when the admission policy refuses a job.
var ErrRejected = errors.New("job rejected by policy")

// Request is what an Admitter judges before a job is posted.
type Request struct {
	Factory string
	Args    []any
	Kwargs  map[string]any
	Store   map[string]any
}

// Admitter decides whether a job may be posted. A non-nil error refuses it.
type Admitter interface {
	Admit(ctx context.Context, req Request) error
}

// Client posts jobs to the board.
type Client struct {
	board     jobboard.Board
	factories Factories
	admitter  Admitter
	creds     flows.Credentials
	userData  string
	log       *telemetry.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAdmitter evaluates every job against a before posting it.
func WithAdmitter(a Admitter) ClientOption {
	return func(c *Client) { c.admitter = a }
}

// WithCredentials sets the broker credentials seeded into cluster jobs.
func WithCredentials(creds flows.Credentials) ClientOption {
	return func(c *Client) { c.creds = creds }
}

// WithUserData sets the boot script passed to new broker VMs.
func WithUserData(script string) ClientOption {
	return func(c *Client) { c.userData = script }
}

// WithLogger sets the client logger.
func WithLogger(l *telemetry.Logger) ClientOption {
	return func(c *Client) { c.log = l.Component("client") }
}

// NewClient creates a client. Factory names are checked against factories.
func NewClient(board jobboard.Board, factories Factories, opts ...ClientOption) *Client {
	c := &Client{board: board, factories: factories, log: telemetry.NopLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post validates and posts a job for factory. kwargs are passed to the
// factory; store seeds the flow store. An empty txID gets a fresh one.
func (c *Client) Post(ctx context.Context, factory string, store, kwargs map[string]any, txID string) (*jobboard.Job, error) {
	if !c.factories.Has(factory) {
		return nil, fmt.Errorf("%w: %s", flows.ErrUnknownFactory, factory)
	}
	if c.admitter != nil {
		req := Request{Factory: factory, Kwargs: kwargs, Store: store}
		if err := c.admitter.Admit(ctx, req); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}

	job := jobboard.NewJob(factory, nil, kwargs, store, txID)
	if err := c.board.Post(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to post %s job: %w", factory, err)
	}
	c.log.Info().Str("job_id", job.ID).Str("factory", factory).Str("transaction_id", job.TransactionID).Msg("Job posted")
	return job, nil
}

// CreateCluster posts a create_cluster job for nodeIDs of cluster.
func (c *Client) CreateCluster(ctx context.Context, cluster *models.Cluster, nodeIDs []string) (*jobboard.Job, error) {
	return c.Post(ctx, flows.CreateCluster, flows.ClusterStore(cluster, c.creds, c.userData), clusterKwargs(cluster.ID, nodeIDs), "")
}

// DeleteCluster posts a delete_cluster job.
func (c *Client) DeleteCluster(ctx context.Context, cluster *models.Cluster, nodeIDs []string) (*jobboard.Job, error) {
	return c.Post(ctx, flows.DeleteCluster, flows.ClusterStore(cluster, c.creds, c.userData), clusterKwargs(cluster.ID, nodeIDs), "")
}

// CheckClusterStatus posts a check_cluster_status job.
func (c *Client) CheckClusterStatus(ctx context.Context, cluster *models.Cluster, nodeIDs []string) (*jobboard.Job, error) {
	return c.Post(ctx, flows.CheckClusterStatus, flows.ClusterStore(cluster, c.creds, c.userData), clusterKwargs(cluster.ID, nodeIDs), "")
}

// CreateClusterNode posts a job adding one node to an existing cluster.
func (c *Client) CreateClusterNode(ctx context.Context, cluster *models.Cluster, nodeID string) (*jobboard.Job, error) {
	return c.Post(ctx, flows.CreateClusterNode, flows.NodeStore(cluster, c.creds, c.userData), nodeKwargs(cluster.ID, nodeID), "")
}

// DeleteClusterNode posts a job removing one node.
func (c *Client) DeleteClusterNode(ctx context.Context, cluster *models.Cluster, nodeID string) (*jobboard.Job, error) {
	return c.Post(ctx, flows.DeleteClusterNode, flows.NodeStore(cluster, c.creds, c.userData), nodeKwargs(cluster.ID, nodeID), "")
}

func clusterKwargs(clusterID string, nodeIDs []string) map[string]any {
	return map[string]any{"cluster_id": clusterID, "node_ids": nodeIDs}
}

func nodeKwargs(clusterID, nodeID string) map[string]any {
	return map[string]any{"cluster_id": clusterID, "node_id": nodeID}
}
