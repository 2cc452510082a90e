// Package monitor periodically posts status checks for running clusters.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	cronlib "github.com/robfig/cron/v3"

	"github.com/mqfleet/mqfleet/pkg/jobboard"
	"github.com/mqfleet/mqfleet/pkg/models"
	"github.com/mqfleet/mqfleet/pkg/telemetry"
)

// Poster posts check_cluster_status jobs. *conductor.Client implements it.
type Poster interface {
	CheckClusterStatus(ctx context.Context, cluster *models.Cluster, nodeIDs []string) (*jobboard.Job, error)
}

// Config configures a Monitor.
type Config struct {
	// Schedule is a five-field cron expression or a descriptor such as
	// "@every 1m".
	Schedule string `yaml:"schedule" json:"schedule" default:"@every 1m" validate:"required"`

	// LockName is shared by every replica; only the holder posts checks.
	LockName string        `yaml:"lock_name" json:"lock_name" default:"cluster-status-monitor"`
	LockTTL  time.Duration `yaml:"lock_ttl" json:"lock_ttl" default:"50s"`

	// Owner identifies this replica as lock holder.
	Owner string `yaml:"owner" json:"owner"`
}

var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Monitor posts a status check for every ACTIVE or DOWN cluster on each
// scheduled tick.
type Monitor struct {
	cfg      Config
	schedule cronlib.Schedule
	storage  models.Storage
	poster   Poster
	locker   Locker
	metrics  *telemetry.Metrics
	log      *telemetry.Logger
}

// New creates a monitor. tel may be nil.
func New(cfg Config, storage models.Storage, poster Poster, locker Locker, tel *telemetry.Telemetry) (*Monitor, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply monitor defaults: %w", err)
	}
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid monitor schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("monitor owner is required")
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Monitor{
		cfg:      cfg,
		schedule: schedule,
		storage:  storage,
		poster:   poster,
		locker:   locker,
		metrics:  tel.Metrics,
		log:      tel.Logger.Component("monitor"),
	}, nil
}

// Run fires Tick on the schedule until ctx is cancelled. Overlapping ticks
// are skipped.
func (m *Monitor) Run(ctx context.Context) error {
	c := cronlib.New(
		cronlib.WithParser(parser),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
	)
	c.Schedule(m.schedule, cronlib.FuncJob(func() {
		if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			m.log.Error().Err(err).Msg("Status sweep failed")
		}
	}))

	m.log.Info().Str("schedule", m.cfg.Schedule).Str("owner", m.cfg.Owner).Msg("Monitor started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	m.log.Info().Msg("Monitor stopped")
	return nil
}

// Tick posts one round of checks if this replica wins the lock. It
// returns the number of jobs posted.
func (m *Monitor) Tick(ctx context.Context) (int, error) {
	ok, err := m.locker.Acquire(ctx, m.cfg.LockName, m.cfg.Owner, m.cfg.LockTTL)
	if err != nil {
		return 0, err
	}
	if !ok {
		m.log.Debug().Msg("Another monitor holds the lock")
		return 0, nil
	}
	defer func() {
		if err := m.locker.Release(context.WithoutCancel(ctx), m.cfg.LockName, m.cfg.Owner); err != nil {
			m.log.Warn().Err(err).Msg("Failed to release monitor lock")
		}
	}()

	clusters, err := m.storage.ListClusters(ctx, models.StatusActive, models.StatusDown)
	if err != nil {
		return 0, fmt.Errorf("failed to list clusters: %w", err)
	}

	posted := 0
	for _, c := range clusters {
		log := m.log.WithCluster(c.ID)
		ids, err := m.liveNodes(ctx, c.ID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list nodes")
			continue
		}
		if len(ids) == 0 {
			continue
		}
		if _, err := m.poster.CheckClusterStatus(ctx, c, ids); err != nil {
			m.metrics.ClusterCheck("failed")
			log.Error().Err(err).Msg("Failed to post status check")
			continue
		}
		m.metrics.ClusterCheck("posted")
		posted++
	}
	m.log.Debug().Int("clusters", len(clusters)).Int("posted", posted).Msg("Status sweep done")
	return posted, nil
}

func (m *Monitor) liveNodes(ctx context.Context, clusterID string) ([]string, error) {
	nodes, err := m.storage.ListNodes(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, n := range nodes {
		if n.Status == models.StatusDeleting || n.Status == models.StatusDeleted {
			continue
		}
		ids = append(ids, n.ID)
	}
	return ids, nil
}
