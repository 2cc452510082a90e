package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mqfleet/mqfleet/pkg/broker"
	"github.com/mqfleet/mqfleet/pkg/cloud"
	"github.com/mqfleet/mqfleet/pkg/cloud/fake"
	"github.com/mqfleet/mqfleet/pkg/cloud/openstack"
	"github.com/mqfleet/mqfleet/pkg/conductor"
	"github.com/mqfleet/mqfleet/pkg/config"
	"github.com/mqfleet/mqfleet/pkg/flows"
	"github.com/mqfleet/mqfleet/pkg/jobboard"
	"github.com/mqfleet/mqfleet/pkg/policy"
	"github.com/mqfleet/mqfleet/pkg/stores"
	"github.com/mqfleet/mqfleet/pkg/telemetry"
)

// runtime wires the stores, flow registry, policies and client described
// by a configuration.
type runtime struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	board    jobboard.Board
	logbook  jobboard.LogBook
	registry *flows.Registry
	policies *policy.Engine
	client   *conductor.Client

	closers []func() error
}

func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	tel, err := telemetry.New(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt := &runtime{cfg: cfg, tel: tel}

	if err := rt.openStores(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	rt.registry, err = flows.NewRegistry(flows.Dependencies{
		Storage: rt.store,
		Cloud:   newCloud(cfg.Cloud),
		Broker:  broker.NewManagementChecker(cfg.Broker),
		Retry:   cfg.Retry,
	})
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	opts := []conductor.ClientOption{
		conductor.WithCredentials(cfg.Credentials.Credentials()),
		conductor.WithUserData(cfg.Credentials.UserData),
		conductor.WithLogger(tel.Logger),
	}
	if cfg.Policy.Enabled {
		rt.policies, err = policy.NewEngine(tel.Logger.Component("policy").Zerolog(), cfg.Policy.Limits)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("failed to initialize policies: %w", err)
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := rt.policies.LoadPaths(ctx, cfg.Policy.Paths); err != nil {
				rt.Close(ctx)
				return nil, err
			}
		}
		opts = append(opts, conductor.WithAdmitter(policy.NewAdmitter(rt.policies)))
	}
	rt.client = conductor.NewClient(rt.board, rt.registry, opts...)
	return rt, nil
}

func (rt *runtime) openStores(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(rt.cfg.Store.SQLite())
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	rt.closers = append(rt.closers, store.Close)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	rt.store = store
	rt.board, rt.logbook = store, store

	if rt.cfg.Store.JobBoard == "bolt" {
		bolt, err := stores.NewBoltStore(rt.cfg.Store.BoltPath, rt.cfg.Store.PollInterval)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, bolt.Close)
		rt.board, rt.logbook = bolt, bolt
	}
	return nil
}

func newCloud(cfg config.CloudConfig) cloud.Provider {
	var p cloud.Provider
	switch cfg.Provider {
	case "openstack":
		p = openstack.New(cfg.OpenStack)
	default:
		p = fake.New()
	}
	return cloud.RateLimited(p, cfg.RateLimit, cfg.Burst)
}

// Close releases stores in reverse order and flushes telemetry.
func (rt *runtime) Close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.tel.Logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if err := rt.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		rt.tel.Logger.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// withRuntime loads the configuration, opens a runtime and runs fn.
func withRuntime(ctx context.Context, fn func(rt *runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	return fn(rt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
