package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/mqfleet/mqfleet/pkg/conductor"
	"github.com/mqfleet/mqfleet/pkg/tasks"
)

// ErrDenied wraps the blocking violations of a refused job.
var ErrDenied = errors.New("policy denied")

// Admitter evaluates job requests with an Engine.
type Admitter struct {
	engine *Engine
}

var _ conductor.Admitter = (*Admitter)(nil)

// NewAdmitter returns an admitter backed by e.
func NewAdmitter(e *Engine) *Admitter {
	return &Admitter{engine: e}
}

// Admit refuses req when any blocking policy denies it.
func (a *Admitter) Admit(ctx context.Context, req conductor.Request) error {
	res, err := a.engine.Evaluate(ctx, InputFromRequest(req))
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		a.engine.logger.Warn().Str("policy", w.Policy).Str("operation", req.Factory).Msg(w.Message)
	}
	if !res.Allowed {
		return fmt.Errorf("%w: %s", ErrDenied, res.Summary())
	}
	return nil
}

// InputFromRequest builds policy input from a job's factory arguments and
// initial store.
func InputFromRequest(req conductor.Request) Input {
	in := Input{Operation: req.Factory}
	in.Cluster.ID = stringValue(req.Kwargs["cluster_id"])
	if in.Cluster.ID == "" {
		in.Cluster.ID = stringValue(req.Store[tasks.KeyClusterID])
	}
	in.Cluster.Name = stringValue(req.Store[tasks.KeyClusterName])
	in.Cluster.NetworkID = stringValue(req.Store[tasks.KeyNetworkID])
	in.Cluster.Flavor = stringValue(req.Store[tasks.KeyFlavor])
	in.Cluster.Image = stringValue(req.Store[tasks.KeyImage])
	in.Cluster.VolumeSize = intValue(req.Store[tasks.KeyVolumeSize])

	switch ids := req.Kwargs["node_ids"].(type) {
	case []string:
		in.NodeCount = len(ids)
	case []any:
		in.NodeCount = len(ids)
	}
	if _, ok := req.Kwargs["node_id"]; ok {
		in.NodeCount = 1
	}
	return in
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
