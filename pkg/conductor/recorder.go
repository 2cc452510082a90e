package conductor

import (
	"context"
	"time"

	"github.com/mqfleet/mqfleet/pkg/engine"
	"github.com/mqfleet/mqfleet/pkg/jobboard"
	"github.com/mqfleet/mqfleet/pkg/telemetry"
)

// recorder persists engine events for one job into the log book.
type recorder struct {
	logbook jobboard.LogBook
	jobID   string
	factory string
	log     *telemetry.Logger
}

func (r *recorder) OnFlow(ctx context.Context, ev engine.FlowEvent) {
	err := r.logbook.SaveFlow(context.WithoutCancel(ctx), jobboard.FlowDetail{
		JobID:   r.jobID,
		Factory: r.factory,
		State:   ev.State,
		Failure: errString(ev.Err),
	})
	if err != nil {
		r.log.Error().Err(err).Str("state", string(ev.State)).Msg("Failed to save flow state")
	}
}

func (r *recorder) OnStep(ctx context.Context, ev engine.StepEvent) {
	err := r.logbook.SaveStep(context.WithoutCancel(ctx), jobboard.StepDetail{
		JobID:     r.jobID,
		Name:      ev.Step,
		State:     ev.State,
		Seq:       ev.Seq,
		Inputs:    ev.Inputs,
		Result:    ev.Result,
		Failure:   errString(ev.Err),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		r.log.Error().Err(err).Str("step", ev.Step).Str("state", string(ev.State)).Msg("Failed to save step state")
	}
}

func (r *recorder) OnRetry(context.Context, engine.RetryEvent) {}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
