package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mqfleet/mqfleet/pkg/jobboard"
	"github.com/mqfleet/mqfleet/pkg/jobboard/jobboardtest"
	"github.com/mqfleet/mqfleet/pkg/models"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path:         ":memory:",
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func TestSQLiteBoardConformance(t *testing.T) {
	jobboardtest.Run(t, func(t *testing.T) jobboardtest.Backend {
		return setupTestStore(t)
	})
}

// File-backed databases use a connection pool, so claims race for real.
func TestSQLiteFileBoardConformance(t *testing.T) {
	jobboardtest.Run(t, func(t *testing.T) jobboardtest.Backend {
		store, err := NewSQLiteStore(Config{
			Path:         filepath.Join(t.TempDir(), "board.db"),
			PollInterval: 10 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		ctx := context.Background()
		if err := store.Init(ctx); err != nil {
			t.Fatalf("failed to initialize store: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to migrate store: %v", err)
		}
		return store
	})
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	version, dirty, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("failed to read schema version: %v", err)
	}
	if version != 3 || dirty {
		t.Errorf("expected clean version 3, got %d (dirty=%v)", version, dirty)
	}

	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrateDown(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.MigrateDown(ctx); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}
	if _, err := store.List(ctx, jobboard.ListOptions{}); err == nil {
		t.Fatal("expected jobs table to be dropped")
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to re-apply migrations: %v", err)
	}
}

func TestClusterCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	cluster := &models.Cluster{
		ProjectID:  "project-1",
		Name:       "rabbit",
		NetworkID:  "net-1",
		Flavor:     "m1.small",
		Image:      "rabbitmq",
		Size:       3,
		VolumeSize: 10,
	}
	if err := store.CreateCluster(ctx, cluster); err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}
	if cluster.ID == "" {
		t.Fatal("expected generated cluster ID")
	}

	got, err := store.GetCluster(ctx, cluster.ID)
	if err != nil {
		t.Fatalf("failed to get cluster: %v", err)
	}
	if got.Status != models.StatusBuilding {
		t.Errorf("expected status BUILDING, got %s", got.Status)
	}
	if got.Size != 3 || got.VolumeSize != 10 || got.NetworkID != "net-1" {
		t.Errorf("unexpected cluster: %+v", got)
	}

	err = store.UpdateCluster(ctx, cluster.ID, models.ClusterUpdate{
		Status:  models.Ptr(models.StatusActive),
		GroupID: models.Ptr("group-1"),
	})
	if err != nil {
		t.Fatalf("failed to update cluster: %v", err)
	}
	got, _ = store.GetCluster(ctx, cluster.ID)
	if got.Status != models.StatusActive || got.GroupID != "group-1" {
		t.Errorf("update not applied: %+v", got)
	}

	err = store.UpdateCluster(ctx, "missing", models.ClusterUpdate{Status: models.Ptr(models.StatusError)})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetCluster(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	other := &models.Cluster{Name: "other", Size: 1, Status: models.StatusDeleted}
	if err := store.CreateCluster(ctx, other); err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}

	active, err := store.ListClusters(ctx, models.StatusActive, models.StatusDown)
	if err != nil {
		t.Fatalf("failed to list clusters: %v", err)
	}
	if len(active) != 1 || active[0].ID != cluster.ID {
		t.Errorf("expected only the active cluster, got %d", len(active))
	}

	all, err := store.ListClusters(ctx)
	if err != nil {
		t.Fatalf("failed to list clusters: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 clusters, got %d", len(all))
	}
}

func TestNodeAndEndpointCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	cluster := &models.Cluster{Name: "rabbit", Size: 2}
	if err := store.CreateCluster(ctx, cluster); err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}

	for i := 0; i < 2; i++ {
		node := &models.Node{ClusterID: cluster.ID, Flavor: "m1.small"}
		if err := store.CreateNode(ctx, node); err != nil {
			t.Fatalf("failed to create node: %v", err)
		}
	}

	nodes, err := store.ListNodes(ctx, cluster.ID)
	if err != nil {
		t.Fatalf("failed to list nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}

	node := nodes[0]
	err = store.UpdateNode(ctx, node.ID, models.NodeUpdate{
		Status:     models.Ptr(models.StatusActive),
		InstanceID: models.Ptr("vm-1"),
	})
	if err != nil {
		t.Fatalf("failed to update node: %v", err)
	}
	got, err := store.GetNode(ctx, node.ID)
	if err != nil {
		t.Fatalf("failed to get node: %v", err)
	}
	if got.Status != models.StatusActive || got.InstanceID != "vm-1" {
		t.Errorf("update not applied: %+v", got)
	}

	endpoint := &models.Endpoint{NodeID: node.ID, URI: "10.0.0.1:5672", Type: "AMQP"}
	if err := store.CreateEndpoint(ctx, endpoint); err != nil {
		t.Fatalf("failed to create endpoint: %v", err)
	}
	if err := store.UpdateEndpoints(ctx, node.ID, models.EndpointUpdate{Deleted: models.Ptr(true)}); err != nil {
		t.Fatalf("failed to update endpoints: %v", err)
	}

	endpoints, err := store.ListEndpoints(ctx, node.ID)
	if err != nil {
		t.Fatalf("failed to list endpoints: %v", err)
	}
	if len(endpoints) != 1 || !endpoints[0].Deleted || endpoints[0].URI != "10.0.0.1:5672" {
		t.Errorf("unexpected endpoints: %+v", endpoints)
	}
}

func TestLocks(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "monitor", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected a to acquire: ok=%v err=%v", ok, err)
	}

	ok, err = store.Acquire(ctx, "monitor", "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected b to be refused: ok=%v err=%v", ok, err)
	}

	// The holder may renew.
	ok, err = store.Acquire(ctx, "monitor", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected a to renew: ok=%v err=%v", ok, err)
	}

	if err := store.Release(ctx, "monitor", "a"); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	ok, err = store.Acquire(ctx, "monitor", "b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected b to acquire after release: ok=%v err=%v", ok, err)
	}

	// Expired locks are taken over.
	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	ok, err = store.Acquire(ctx, "monitor", "c", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected c to take over expired lock: ok=%v err=%v", ok, err)
	}
}
