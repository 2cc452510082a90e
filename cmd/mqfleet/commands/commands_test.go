package commands

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqfleet/mqfleet/pkg/broker"
	"github.com/mqfleet/mqfleet/pkg/cloud/fake"
	"github.com/mqfleet/mqfleet/pkg/conductor"
	"github.com/mqfleet/mqfleet/pkg/config"
	"github.com/mqfleet/mqfleet/pkg/flows"
	"github.com/mqfleet/mqfleet/pkg/jobboard"
	"github.com/mqfleet/mqfleet/pkg/models"
	"github.com/mqfleet/mqfleet/pkg/policy"
	"github.com/mqfleet/mqfleet/pkg/stores"
)

func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:", PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestClient(t *testing.T, store *stores.SQLiteStore, limits *policy.Limits) *conductor.Client {
	t.Helper()
	reg, err := flows.NewRegistry(flows.Dependencies{
		Storage: store,
		Cloud:   fake.New(),
		Broker:  broker.NewManagementChecker(broker.Config{}),
	})
	require.NoError(t, err)

	var opts []conductor.ClientOption
	if limits != nil {
		eng, err := policy.NewEngine(zerolog.Nop(), *limits)
		require.NoError(t, err)
		opts = append(opts, conductor.WithAdmitter(policy.NewAdmitter(eng)))
	}
	return conductor.NewClient(store, reg, opts...)
}

func testSpec(size int) clusterSpec {
	return clusterSpec{Name: "orders", NetworkID: "net-1", Flavor: "m1.small", Image: "rabbitmq:3.13", Size: size, VolumeSize: 10}
}

func TestCreateClusterRecordsAndPosts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := newTestClient(t, store, nil)

	cluster, job, err := createCluster(ctx, store, client, testSpec(3))
	require.NoError(t, err)
	assert.Equal(t, flows.CreateCluster, job.Factory)
	assert.Equal(t, cluster.ID, job.FactoryKwargs["cluster_id"])

	nodes, err := store.ListNodes(ctx, cluster.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for _, n := range nodes {
		assert.Equal(t, models.StatusBuilding, n.Status)
	}

	posted, err := store.List(ctx, jobboard.ListOptions{})
	require.NoError(t, err)
	require.Len(t, posted, 1)
	assert.Equal(t, job.ID, posted[0].ID)
}

func TestCreateClusterRejectsEmptySize(t *testing.T) {
	store := newTestStore(t)
	_, _, err := createCluster(context.Background(), store, newTestClient(t, store, nil), testSpec(0))
	assert.Error(t, err)
}

func TestCreateClusterRefusedByPolicy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := newTestClient(t, store, &policy.Limits{MinClusterSize: 1, MaxClusterSize: 2})

	cluster, job, err := createCluster(ctx, store, client, testSpec(3))
	require.ErrorIs(t, err, conductor.ErrRejected)
	assert.Nil(t, job)

	got, err := store.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Contains(t, got.ErrorDetail, "cluster-size")

	nodes, err := store.ListNodes(ctx, cluster.ID)
	require.NoError(t, err)
	for _, n := range nodes {
		assert.Equal(t, models.StatusError, n.Status)
	}

	posted, err := store.List(ctx, jobboard.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, posted)
}

func TestDeleteClusterSkipsDeletedNodes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	client := newTestClient(t, store, nil)

	cluster, _, err := createCluster(ctx, store, client, testSpec(2))
	require.NoError(t, err)
	nodes, err := store.ListNodes(ctx, cluster.ID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateNode(ctx, nodes[0].ID, models.NodeUpdate{Status: models.Ptr(models.StatusDeleted)}))

	_, job, err := deleteCluster(ctx, store, client, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, flows.DeleteCluster, job.Factory)
	assert.Equal(t, []string{nodes[1].ID}, job.FactoryKwargs["node_ids"])

	require.NoError(t, store.UpdateCluster(ctx, cluster.ID, models.ClusterUpdate{Status: models.Ptr(models.StatusDeleted)}))
	_, _, err = deleteCluster(ctx, store, client, cluster.ID)
	assert.Error(t, err)

	_, _, err = deleteCluster(ctx, store, client, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDescribeCluster(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cluster, _, err := createCluster(ctx, store, newTestClient(t, store, nil), testSpec(2))
	require.NoError(t, err)
	nodes, err := store.ListNodes(ctx, cluster.ID)
	require.NoError(t, err)
	require.NoError(t, store.CreateEndpoint(ctx, &models.Endpoint{NodeID: nodes[0].ID, URI: "amqp://10.0.0.5:5672", Type: "amqp"}))

	view, err := describeCluster(ctx, store, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.ID, view.Cluster.ID)
	require.Len(t, view.Nodes, 2)

	var endpoints int
	for _, n := range view.Nodes {
		endpoints += len(n.Endpoints)
	}
	assert.Equal(t, 1, endpoints)

	live, err := nodeIDsWhere(ctx, store, cluster.ID, isLive)
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestOpenRuntimeFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "mqfleet.db")
	cfg.Policy.Limits.AllowedFlavors = []string{"m1.small"}

	rt, err := openRuntime(ctx, cfg)
	require.NoError(t, err)
	defer rt.Close(ctx)

	assert.NotNil(t, rt.policies)
	assert.ElementsMatch(t, []string{
		flows.CreateCluster, flows.DeleteCluster, flows.CheckClusterStatus,
		flows.CreateClusterNode, flows.DeleteClusterNode,
	}, rt.registry.Names())

	spec := testSpec(1)
	spec.Flavor = "gpu.large"
	_, _, err = createCluster(ctx, rt.store, rt.client, spec)
	assert.ErrorIs(t, err, conductor.ErrRejected)
}

func TestOpenRuntimeWithBoltBoard(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "mqfleet.db")
	cfg.Store.JobBoard = "bolt"
	cfg.Store.BoltPath = filepath.Join(dir, "jobs.bolt")
	cfg.Policy.Enabled = false

	rt, err := openRuntime(ctx, cfg)
	require.NoError(t, err)
	defer rt.Close(ctx)

	assert.Nil(t, rt.policies)
	_, ok := rt.board.(*stores.BoltStore)
	assert.True(t, ok)

	_, job, err := createCluster(ctx, rt.store, rt.client, testSpec(1))
	require.NoError(t, err)
	got, err := rt.board.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand("test", "abc", "today")

	for _, path := range [][]string{
		{"worker"},
		{"monitor"},
		{"cluster", "create"},
		{"cluster", "delete"},
		{"cluster", "check"},
		{"cluster", "add-node"},
		{"cluster", "remove-node"},
		{"jobs", "list"},
		{"jobs", "delete"},
		{"flows", "show"},
		{"flows", "logbook"},
		{"policy", "check"},
		{"migrate", "up"},
		{"config", "show"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestFlowsShowCommand(t *testing.T) {
	t.Cleanup(func() { configPath, dbPath = "", "" })

	root := newRootCommand("test", "abc", "today")
	root.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "mqfleet.db"), "flows", "show", "create_cluster_node", "--node", "n1", "--node", "n2"})
	assert.Error(t, root.ExecuteContext(context.Background()))

	root = newRootCommand("test", "abc", "today")
	root.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "mqfleet.db"), "flows", "show", "create_cluster", "--node", "n1", "--node", "n2"})
	assert.NoError(t, root.ExecuteContext(context.Background()))
}
