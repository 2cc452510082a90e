package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqfleet/mqfleet/pkg/jobboard"
	"github.com/mqfleet/mqfleet/pkg/models"
	"github.com/mqfleet/mqfleet/pkg/stores"
)

type recordingPoster struct {
	mu     sync.Mutex
	checks map[string][]string
	fail   error
}

func (p *recordingPoster) CheckClusterStatus(_ context.Context, c *models.Cluster, nodeIDs []string) (*jobboard.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	p.checks[c.ID] = nodeIDs
	return &jobboard.Job{ID: "job-" + c.ID}, nil
}

func (p *recordingPoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.checks)
}

func newStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *stores.SQLiteStore, status models.Status, nodeStatuses ...models.Status) *models.Cluster {
	t.Helper()
	ctx := context.Background()
	c := &models.Cluster{Name: "c-" + string(status), Status: status, Size: len(nodeStatuses)}
	require.NoError(t, store.CreateCluster(ctx, c))
	for _, s := range nodeStatuses {
		require.NoError(t, store.CreateNode(ctx, &models.Node{ClusterID: c.ID, Status: s}))
	}
	return c
}

func newMonitor(t *testing.T, store *stores.SQLiteStore, poster Poster, owner string) *Monitor {
	t.Helper()
	m, err := New(Config{Schedule: "@every 1s", Owner: owner}, store, poster, store, nil)
	require.NoError(t, err)
	return m
}

func TestTickPostsChecksForRunningClusters(t *testing.T) {
	store := newStore(t)
	active := seed(t, store, models.StatusActive, models.StatusActive, models.StatusActive, models.StatusDeleting)
	down := seed(t, store, models.StatusDown, models.StatusDown)
	seed(t, store, models.StatusBuilding, models.StatusBuilding)
	seed(t, store, models.StatusError, models.StatusError)
	seed(t, store, models.StatusActive)

	poster := &recordingPoster{checks: map[string][]string{}}
	m := newMonitor(t, store, poster, "monitor-a")

	posted, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, posted)
	assert.Len(t, poster.checks[active.ID], 2)
	assert.Len(t, poster.checks[down.ID], 1)
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	store := newStore(t)
	seed(t, store, models.StatusActive, models.StatusActive)

	ok, err := store.Acquire(context.Background(), "cluster-status-monitor", "monitor-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	poster := &recordingPoster{checks: map[string][]string{}}
	posted, err := newMonitor(t, store, poster, "monitor-a").Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, posted)
	assert.Zero(t, poster.count())
}

func TestTickReleasesLock(t *testing.T) {
	store := newStore(t)
	poster := &recordingPoster{checks: map[string][]string{}}

	_, err := newMonitor(t, store, poster, "monitor-a").Tick(context.Background())
	require.NoError(t, err)

	ok, err := store.Acquire(context.Background(), "cluster-status-monitor", "monitor-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTickContinuesAfterPostFailure(t *testing.T) {
	store := newStore(t)
	seed(t, store, models.StatusActive, models.StatusActive)
	seed(t, store, models.StatusDown, models.StatusDown)

	poster := &recordingPoster{checks: map[string][]string{}, fail: errors.New("board unavailable")}
	posted, err := newMonitor(t, store, poster, "monitor-a").Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, posted)
}

func TestNewValidatesConfig(t *testing.T) {
	store := newStore(t)
	poster := &recordingPoster{}

	_, err := New(Config{Schedule: "every now and then", Owner: "a"}, store, poster, store, nil)
	assert.Error(t, err)

	_, err = New(Config{}, store, poster, store, nil)
	assert.ErrorContains(t, err, "owner")

	m, err := New(Config{Owner: "a"}, store, poster, store, nil)
	require.NoError(t, err)
	assert.Equal(t, "@every 1m", m.cfg.Schedule)
}

func TestRunFiresOnSchedule(t *testing.T) {
	store := newStore(t)
	seed(t, store, models.StatusActive, models.StatusActive)
	poster := &recordingPoster{checks: map[string][]string{}}
	m := newMonitor(t, store, poster, "monitor-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return poster.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

// memRedis emulates the two commands RedisLocker issues.
type memRedis struct {
	mu   sync.Mutex
	keys map[string]string
	err  error
}

func (r *memRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return redis.NewBoolResult(false, r.err)
	}
	if _, ok := r.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	r.keys[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (r *memRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return redis.NewCmdResult(nil, r.err)
	}
	if r.keys[keys[0]] != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	if script == releaseScript {
		delete(r.keys, keys[0])
	}
	return redis.NewCmdResult(int64(1), nil)
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	mem := &memRedis{keys: map[string]string{}}
	l := NewRedisLocker(mem, "")

	ok, err := l.Acquire(ctx, "sweep", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", mem.keys["mqfleet:lock:sweep"])

	ok, err = l.Acquire(ctx, "sweep", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by a")

	ok, err = l.Acquire(ctx, "sweep", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner renews")

	require.NoError(t, l.Release(ctx, "sweep", "b"))
	assert.Contains(t, mem.keys, "mqfleet:lock:sweep")

	require.NoError(t, l.Release(ctx, "sweep", "a"))
	assert.NotContains(t, mem.keys, "mqfleet:lock:sweep")
}

func TestRedisLockerErrors(t *testing.T) {
	mem := &memRedis{keys: map[string]string{}, err: errors.New("connection refused")}
	l := NewRedisLocker(mem, "test:")

	_, err := l.Acquire(context.Background(), "sweep", "a", time.Minute)
	assert.ErrorContains(t, err, "connection refused")
	assert.Error(t, l.Release(context.Background(), "sweep", "a"))
}

func TestMonitorWithRedisLocker(t *testing.T) {
	store := newStore(t)
	seed(t, store, models.StatusActive, models.StatusActive)
	poster := &recordingPoster{checks: map[string][]string{}}

	m, err := New(Config{Owner: "a"}, store, poster, NewRedisLocker(&memRedis{keys: map[string]string{}}, ""), nil)
	require.NoError(t, err)
	posted, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, posted)
}
