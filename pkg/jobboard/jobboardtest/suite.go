// Package jobboardtest holds the conformance tests shared by every
// jobboard.Board and jobboard.LogBook implementation.
package jobboardtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqfleet/mqfleet/pkg/engine"
	"github.com/mqfleet/mqfleet/pkg/jobboard"
)

// Backend is a board and log book under test.
type Backend interface {
	jobboard.Board
	jobboard.LogBook
}

// Run executes the conformance suite. newBackend must return an empty
// backend; the suite closes it.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	tests := map[string]func(t *testing.T, b Backend){
		"PostAndGet":             testPostAndGet,
		"ClaimIsExclusive":       testClaimIsExclusive,
		"ClaimUnknownJob":        testClaimUnknownJob,
		"ExpiredClaimReclaimed":  testExpiredClaimReclaimed,
		"ConsumeRequiresOwner":   testConsumeRequiresOwner,
		"ConsumedJobNotListed":   testConsumedJobNotListed,
		"AbandonReleasesClaim":   testAbandonReleasesClaim,
		"ExtendRequiresOwner":    testExtendRequiresOwner,
		"ListUnclaimedOnly":      testListUnclaimedOnly,
		"Delete":                 testDelete,
		"WaitWakesOnPost":        testWaitWakesOnPost,
		"WaitTimesOut":           testWaitTimesOut,
		"LogBookMergesSteps":     testLogBookMergesSteps,
		"LogBookSurvivesConsume": testLogBookSurvivesConsume,
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			b := newBackend(t)
			defer b.Close()
			tc(t, b)
		})
	}
}

func post(t *testing.T, b Backend, factory string) *jobboard.Job {
	t.Helper()
	job := jobboard.NewJob(factory,
		[]any{"cluster-1", []any{"n1", "n2"}},
		map[string]any{"cluster_id": "cluster-1"},
		map[string]any{"network_id": "net-1", "volume_size": 10},
		"")
	require.NoError(t, b.Post(context.Background(), job))
	return job
}

func testPostAndGet(t *testing.T, b Backend) {
	ctx := context.Background()
	job := post(t, b, "create_cluster")

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "create_cluster", got.Factory)
	assert.Equal(t, job.TransactionID, got.TransactionID)
	assert.Equal(t, "cluster-1", got.FactoryKwargs["cluster_id"])
	assert.Equal(t, "net-1", got.Store["network_id"])
	assert.Len(t, got.FactoryArgs, 2)
	assert.Equal(t, jobboard.StateUnclaimed, got.StateAt(time.Now()))
	assert.False(t, got.CreatedAt.IsZero())
}

func testClaimIsExclusive(t *testing.T, b Backend) {
	ctx := context.Background()
	job := post(t, b, "create_cluster")

	const owners = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i := 0; i < owners; i++ {
		owner := fmt.Sprintf("conductor-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Claim(ctx, job.ID, owner, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, owner)
			case errors.Is(err, jobboard.ErrAlreadyClaimed):
				losers++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, owners-1, losers)

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.Owner)
	assert.Equal(t, 1, got.Claims)
}

func testClaimUnknownJob(t *testing.T, b Backend) {
	_, err := b.Claim(context.Background(), "missing", "c1", time.Minute)
	assert.ErrorIs(t, err, jobboard.ErrNotFound)
}

func testExpiredClaimReclaimed(t *testing.T, b Backend) {
	ctx := context.Background()
	job := post(t, b, "create_cluster")

	_, err := b.Claim(ctx, job.ID, "crashed", 20*time.Millisecond)
	require.NoError(t, err)

	_, err = b.Claim(ctx, job.ID, "survivor", time.Minute)
	require.ErrorIs(t, err, jobboard.ErrAlreadyClaimed)

	time.Sleep(40 * time.Millisecond)

	listed, err := b.List(ctx, jobboard.ListOptions{UnclaimedOnly: true})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	got, err := b.Claim(ctx, job.ID, "survivor", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "survivor", got.Owner)
	assert.Equal(t, 2, got.Claims)

	assert.ErrorIs(t, b.Consume(ctx, job.ID, "crashed"), jobboard.ErrNotOwner)
}

func testConsumeRequiresOwner(t *testing.T, b Backend) {
	ctx := context.Background()
	job := post(t, b, "delete_cluster")

	assert.ErrorIs(t, b.Consume(ctx, job.ID, "c1"), jobboard.ErrNotOwner)

	_, err := b.Claim(ctx, job.ID, "c1", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Consume(ctx, job.ID, "c2"), jobboard.ErrNotOwner)
	require.NoError(t, b.Consume(ctx, job.ID, "c1"))

	_, err = b.Get(ctx, job.ID)
	assert.ErrorIs(t, err, jobboard.ErrNotFound)
	assert.ErrorIs(t, b.Consume(ctx, job.ID, "c1"), jobboard.ErrNotFound)
}

func testConsumedJobNotListed(t *testing.T, b Backend) {
	ctx := context.Background()
	keep := post(t, b, "create_cluster")
	gone := post(t, b, "create_cluster")

	_, err := b.Claim(ctx, gone.ID, "c1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Consume(ctx, gone.ID, "c1"))

	for _, unclaimed := range []bool{false, true} {
		jobs, err := b.List(ctx, jobboard.ListOptions{UnclaimedOnly: unclaimed})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, keep.ID, jobs[0].ID)
	}
}

func testAbandonReleasesClaim(t *testing.T, b Backend) {
	ctx := context.Background()
	job := post(t, b, "create_cluster")

	_, err := b.Claim(ctx, job.ID, "c1", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Abandon(ctx, job.ID, "c2"), jobboard.ErrNotOwner)
	require.NoError(t, b.Abandon(ctx, job.ID, "c1"))

	got, err := b.Claim(ctx, job.ID, "c2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "c2", got.Owner)
}

func testExtendRequiresOwner(t *testing.T, b Backend) {
	ctx := context.Background()
	job := post(t, b, "create_cluster")

	claimed, err := b.Claim(ctx, job.ID, "c1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Extend(ctx, job.ID, "c2", time.Minute), jobboard.ErrNotOwner)
	require.NoError(t, b.Extend(ctx, job.ID, "c1", time.Hour))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.ClaimExpiresAt.After(claimed.ClaimExpiresAt))
}

func testListUnclaimedOnly(t *testing.T, b Backend) {
	ctx := context.Background()
	first := post(t, b, "create_cluster")
	second := post(t, b, "check_cluster_status")

	_, err := b.Claim(ctx, first.ID, "c1", time.Minute)
	require.NoError(t, err)

	all, err := b.List(ctx, jobboard.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	unclaimed, err := b.List(ctx, jobboard.ListOptions{UnclaimedOnly: true})
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)
	assert.Equal(t, second.ID, unclaimed[0].ID)

	byFactory, err := b.List(ctx, jobboard.ListOptions{Factory: "create_cluster"})
	require.NoError(t, err)
	require.Len(t, byFactory, 1)
	assert.Equal(t, first.ID, byFactory[0].ID)

	limited, err := b.List(ctx, jobboard.ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testDelete(t *testing.T, b Backend) {
	ctx := context.Background()
	job := post(t, b, "create_cluster")
	_, err := b.Claim(ctx, job.ID, "c1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, job.ID))
	assert.ErrorIs(t, b.Delete(ctx, job.ID), jobboard.ErrNotFound)
}

func testWaitWakesOnPost(t *testing.T, b Backend) {
	ctx := context.Background()
	go func() {
		time.Sleep(20 * time.Millisecond)
		post(t, b, "create_cluster")
	}()

	start := time.Now()
	ok, err := b.Wait(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func testWaitTimesOut(t *testing.T, b Backend) {
	ok, err := b.Wait(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testLogBookMergesSteps(t *testing.T, b Backend) {
	ctx := context.Background()
	_, err := b.LoadFlow(ctx, "job-1")
	require.ErrorIs(t, err, jobboard.ErrNotFound)

	require.NoError(t, b.SaveFlow(ctx, jobboard.FlowDetail{JobID: "job-1", Factory: "create_cluster", State: engine.FlowRunning}))
	require.NoError(t, b.SaveStep(ctx, jobboard.StepDetail{JobID: "job-1", Name: "create-port", State: engine.StepRunning,
		Inputs: map[string]any{"network_id": "net-1"}}))
	require.NoError(t, b.SaveStep(ctx, jobboard.StepDetail{JobID: "job-1", Name: "create-port", State: engine.StepSuccess,
		Seq: 2, Result: map[string]any{"port_id": "p-1"}}))
	require.NoError(t, b.SaveStep(ctx, jobboard.StepDetail{JobID: "job-1", Name: "mark-building", State: engine.StepSuccess,
		Seq: 1, Inputs: map[string]any{}, Result: map[string]any{}}))
	require.NoError(t, b.SaveStep(ctx, jobboard.StepDetail{JobID: "job-1", Name: "create-vm", State: engine.StepFailure,
		Failure: "quota"}))

	flow, err := b.LoadFlow(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, engine.FlowRunning, flow.State)
	assert.Equal(t, "create_cluster", flow.Factory)
	require.Len(t, flow.Steps, 3)

	steps := flow.Recoverable()
	require.Len(t, steps, 2)
	assert.Equal(t, "mark-building", steps[0].Name)
	assert.Equal(t, "create-port", steps[1].Name)
	assert.True(t, steps[1].Executed)
	assert.Equal(t, "net-1", steps[1].Inputs["network_id"])
	assert.Equal(t, "p-1", steps[1].Result["port_id"])

	require.NoError(t, b.SaveStep(ctx, jobboard.StepDetail{JobID: "job-1", Name: "create-port", State: engine.StepReverted}))
	require.NoError(t, b.SaveStep(ctx, jobboard.StepDetail{JobID: "job-1", Name: "create-volume", State: engine.StepRunning,
		Inputs: map[string]any{"volume_size": float64(5)}}))
	flow, err = b.LoadFlow(ctx, "job-1")
	require.NoError(t, err)
	steps = flow.Recoverable()
	require.Len(t, steps, 2)
	assert.Equal(t, "create-volume", steps[0].Name)
	assert.False(t, steps[0].Executed)
	assert.Equal(t, float64(5), steps[0].Inputs["volume_size"])
	assert.Equal(t, "mark-building", steps[1].Name)
}

func testLogBookSurvivesConsume(t *testing.T, b Backend) {
	ctx := context.Background()
	job := post(t, b, "create_cluster")
	require.NoError(t, b.SaveFlow(ctx, jobboard.FlowDetail{JobID: job.ID, Factory: job.Factory, State: engine.FlowSuccess}))

	_, err := b.Claim(ctx, job.ID, "c1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Consume(ctx, job.ID, "c1"))

	flow, err := b.LoadFlow(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.FlowSuccess, flow.State)
}
