package conductor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqfleet/mqfleet/pkg/conductor"
	"github.com/mqfleet/mqfleet/pkg/flows"
	"github.com/mqfleet/mqfleet/pkg/jobboard"
	"github.com/mqfleet/mqfleet/pkg/tasks"
)

type admitFunc func(ctx context.Context, req conductor.Request) error

func (f admitFunc) Admit(ctx context.Context, req conductor.Request) error { return f(ctx, req) }

func TestPostRejectsUnknownFactory(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Post(context.Background(), "resize_cluster", nil, nil, "")
	assert.ErrorIs(t, err, flows.ErrUnknownFactory)

	jobs, err := f.store.List(context.Background(), jobboard.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPostKeepsTransactionID(t *testing.T) {
	f := newFixture(t)

	job, err := f.client.Post(context.Background(), flows.CheckClusterStatus, nil,
		map[string]any{"cluster_id": "c1", "node_ids": []string{"n1"}}, "tx-42")
	require.NoError(t, err)

	stored, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "tx-42", stored.TransactionID)
	assert.Equal(t, flows.CheckClusterStatus, stored.Factory)
}

func TestCreateClusterSeedsStoreAndArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, ids := f.seedCluster(t, 3)

	job, err := f.client.CreateCluster(ctx, c, ids)
	require.NoError(t, err)

	stored, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, stored.FactoryKwargs["cluster_id"])
	assert.Len(t, stored.FactoryKwargs["node_ids"], 3)
	assert.Equal(t, "mq", stored.Store[tasks.KeyBrokerUsername])
	assert.Equal(t, c.Flavor, stored.Store[tasks.KeyFlavor])
	assert.NotContains(t, stored.Store, tasks.KeyGroupID)
	assert.NotEmpty(t, stored.TransactionID)
}

func TestNodeHelpersCarryGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, ids := f.seedCluster(t, 1)
	c.GroupID = "group-9"

	add, err := f.client.CreateClusterNode(ctx, c, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "group-9", add.Store[tasks.KeyGroupID])
	assert.Equal(t, ids[0], add.FactoryKwargs["node_id"])

	del, err := f.client.DeleteClusterNode(ctx, c, ids[0])
	require.NoError(t, err)
	assert.Equal(t, flows.DeleteClusterNode, del.Factory)
}

func TestAdmitterRejectsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, ids := f.seedCluster(t, 2)

	var seen conductor.Request
	client := conductor.NewClient(f.store, f.reg, conductor.WithAdmitter(admitFunc(func(_ context.Context, req conductor.Request) error {
		seen = req
		return errors.New("cluster size 2 below minimum 3")
	})))

	_, err := client.CreateCluster(ctx, c, ids)
	assert.ErrorIs(t, err, conductor.ErrRejected)
	assert.Contains(t, err.Error(), "below minimum")
	assert.Equal(t, flows.CreateCluster, seen.Factory)
	assert.Equal(t, c.Name, seen.Store[tasks.KeyClusterName])

	jobs, err := f.store.List(ctx, jobboard.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestAdmittedJobIsPosted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, ids := f.seedCluster(t, 1)

	client := conductor.NewClient(f.store, f.reg, conductor.WithAdmitter(admitFunc(func(context.Context, conductor.Request) error {
		return nil
	})))
	job, err := client.DeleteCluster(ctx, c, ids)
	require.NoError(t, err)

	_, err = f.store.Get(ctx, job.ID)
	assert.NoError(t, err)
}
