package conductor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mqfleet/mqfleet/pkg/engine"
	"github.com/mqfleet/mqfleet/pkg/jobboard"
	"github.com/mqfleet/mqfleet/pkg/telemetry"
)

// Factories rebuilds flow graphs from job arguments.
type Factories interface {
	Has(name string) bool
	Build(name string, args []any, kwargs map[string]any) (engine.Node, error)
}

// Config configures a Conductor.
type Config struct {
	// Name identifies the conductor as claim owner. Defaults to
	// hostname plus a random suffix.
	Name string `yaml:"name" json:"name"`

	// Workers is the number of jobs executed concurrently.
	Workers int `yaml:"workers" json:"workers" default:"2"`

	// Lease is the claim duration. Claims are renewed every Lease/3 while
	// the flow runs.
	Lease time.Duration `yaml:"lease" json:"lease" default:"1m"`

	// WaitTimeout bounds one wait for new jobs.
	WaitTimeout time.Duration `yaml:"wait_timeout" json:"wait_timeout" default:"5s"`

	Engine engine.Config `yaml:"engine" json:"engine"`
}

// Conductor claims and executes jobs.
type Conductor struct {
	cfg       Config
	board     jobboard.Board
	logbook   jobboard.LogBook
	factories Factories
	tel       *telemetry.Telemetry
	log       *telemetry.Logger
}

// New creates a conductor. A nil telemetry discards logs and metrics.
func New(cfg Config, board jobboard.Board, logbook jobboard.LogBook, factories Factories, tel *telemetry.Telemetry) (*Conductor, error) {
	if board == nil || logbook == nil || factories == nil {
		return nil, fmt.Errorf("conductor needs a board, a log book and factories")
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply conductor defaults: %w", err)
	}
	if cfg.Name == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "conductor"
		}
		cfg.Name = host + "-" + uuid.New().String()[:8]
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Conductor{
		cfg:       cfg,
		board:     board,
		logbook:   logbook,
		factories: factories,
		tel:       tel,
		log:       tel.Logger.Component("conductor"),
	}, nil
}

// Name returns the claim owner name.
func (c *Conductor) Name() string { return c.cfg.Name }

// Run executes jobs on Workers loops until ctx is cancelled.
func (c *Conductor) Run(ctx context.Context) error {
	c.log.Info().Str("name", c.cfg.Name).Int("workers", c.cfg.Workers).Msg("Conductor started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				if _, err := c.RunOnce(gctx); err != nil && gctx.Err() == nil {
					c.log.Warn().Err(err).Msg("Board cycle failed")
					if serr := sleep(gctx, time.Second); serr != nil {
						return nil
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()
	c.log.Info().Str("name", c.cfg.Name).Msg("Conductor stopped")
	return err
}

// RunOnce waits for claimable jobs, claims the first one it can and runs
// it. It reports whether a job was executed.
func (c *Conductor) RunOnce(ctx context.Context) (bool, error) {
	ready, err := c.board.Wait(ctx, c.cfg.WaitTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to wait for jobs: %w", err)
	}
	if !ready {
		return false, nil
	}

	jobs, err := c.board.List(ctx, jobboard.ListOptions{UnclaimedOnly: true})
	if err != nil {
		return false, fmt.Errorf("failed to list jobs: %w", err)
	}
	c.tel.Metrics.BoardDepth(len(jobs))

	for _, candidate := range jobs {
		job, err := c.board.Claim(ctx, candidate.ID, c.cfg.Name, c.cfg.Lease)
		switch {
		case errors.Is(err, jobboard.ErrAlreadyClaimed), errors.Is(err, jobboard.ErrNotFound):
			c.tel.Metrics.ClaimConflict()
			continue
		case err != nil:
			return false, fmt.Errorf("failed to claim job %s: %w", candidate.ID, err)
		}
		c.dispatch(ctx, job)
		return true, nil
	}
	return false, nil
}

func (c *Conductor) dispatch(ctx context.Context, job *jobboard.Job) {
	log := c.log.WithJob(job.ID, job.Factory)
	log.Info().Int("claims", job.Claims).Msg("Job claimed")
	c.tel.Metrics.JobClaimed(job.Factory)
	start := time.Now()

	ctx, span := c.tel.Tracer.StartJobSpan(ctx, job.ID, job.Factory)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(runCtx, cancel, job, log)

	state, err := c.execute(runCtx, job, log)
	c.tel.Metrics.JobFinished(job.Factory, state, time.Since(start))
	span.SetAttributes(telemetry.AttrFlowState.String(string(state)))
	telemetry.RecordError(span, err)

	// Release outside the job context so shutdown still hands the job back.
	bg := context.WithoutCancel(ctx)
	if !state.IsTerminal() {
		if aerr := c.board.Abandon(bg, job.ID, c.cfg.Name); aerr != nil {
			log.Error().Err(aerr).Msg("Failed to abandon job")
			return
		}
		log.Warn().Err(err).Str("state", string(state)).Msg("Job abandoned")
		return
	}
	if cerr := c.board.Consume(bg, job.ID, c.cfg.Name); cerr != nil {
		log.Error().Err(cerr).Msg("Failed to consume job")
		return
	}
	ev := log.Info()
	if state != engine.FlowSuccess {
		ev = log.Warn().Err(err)
	}
	ev.Str("state", string(state)).Dur("duration", time.Since(start)).Msg("Job consumed")
}

// heartbeat renews the claim until ctx ends. Losing the claim cancels
// the run.
func (c *Conductor) heartbeat(ctx context.Context, cancel context.CancelFunc, job *jobboard.Job, log *telemetry.Logger) {
	interval := c.cfg.Lease / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.board.Extend(ctx, job.ID, c.cfg.Name, c.cfg.Lease)
			switch {
			case err == nil:
			case errors.Is(err, jobboard.ErrNotOwner), errors.Is(err, jobboard.ErrNotFound):
				log.Error().Err(err).Msg("Claim lost, interrupting flow")
				cancel()
				return
			case ctx.Err() == nil:
				log.Warn().Err(err).Msg("Failed to extend claim")
			}
		}
	}
}

// execute runs the job's flow, recovering an interrupted earlier run
// first. The returned state decides whether the job is consumed.
func (c *Conductor) execute(ctx context.Context, job *jobboard.Job, log *telemetry.Logger) (engine.FlowState, error) {
	rec := &recorder{logbook: c.logbook, jobID: job.ID, factory: job.Factory, log: log}

	node, err := c.factories.Build(job.Factory, job.FactoryArgs, job.FactoryKwargs)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build flow")
		rec.OnFlow(ctx, engine.FlowEvent{Flow: job.Factory, State: engine.FlowFailure, Err: err})
		return engine.FlowFailure, err
	}

	eng := engine.NewEngine(c.cfg.Engine, log.Zerolog(), engine.Listeners{rec, c.tel.Listener()})

	previous, err := c.logbook.LoadFlow(ctx, job.ID)
	switch {
	case errors.Is(err, jobboard.ErrNotFound):
	case err != nil:
		return engine.FlowInterrupted, fmt.Errorf("failed to load flow snapshot: %w", err)
	case previous.State.IsTerminal():
		log.Info().Str("state", string(previous.State)).Msg("Flow already finished")
		return previous.State, nil
	default:
		if steps := previous.Recoverable(); len(steps) > 0 {
			log.Warn().Int("steps", len(steps)).Str("state", string(previous.State)).
				Msg("Recovering interrupted flow")
			// A failed revert leaves the flow reverting, so the job is
			// abandoned and the next claimant retries the rollback.
			res, rerr := eng.Revert(ctx, job.Factory, node, steps, engine.ErrInterrupted)
			if rerr != nil {
				return res.State, rerr
			}
		}
	}

	res, err := eng.Run(ctx, job.Factory, node, job.Store)
	return res.State, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
