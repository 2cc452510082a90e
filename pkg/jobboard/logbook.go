package jobboard

import (
	"context"
	"sort"
	"time"

	"github.com/mqfleet/mqfleet/pkg/engine"
)

// FlowDetail is the persisted snapshot of a job's flow execution. It
// outlives the job so interrupted runs can be recovered and finished runs
// audited.
type FlowDetail struct {
	JobID     string           `json:"job_id"`
	Factory   string           `json:"factory"`
	State     engine.FlowState `json:"state"`
	Failure   string           `json:"failure,omitempty"`
	Steps     []StepDetail     `json:"steps,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// StepDetail is the persisted state of one step.
type StepDetail struct {
	JobID     string           `json:"job_id"`
	Name      string           `json:"name"`
	State     engine.StepState `json:"state"`
	Seq       int64            `json:"seq"`
	Inputs    map[string]any   `json:"inputs,omitempty"`
	Result    map[string]any   `json:"result,omitempty"`
	Failure   string           `json:"failure,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Merge applies a newer step update. Empty fields keep their previous values.
func (s StepDetail) Merge(update StepDetail) StepDetail {
	s.State = update.State
	s.UpdatedAt = update.UpdatedAt
	s.Failure = update.Failure
	if update.Seq > 0 {
		s.Seq = update.Seq
	}
	if update.Inputs != nil {
		s.Inputs = update.Inputs
	}
	if update.Result != nil {
		s.Result = update.Result
	}
	return s
}

// Recoverable returns the steps an interrupted run may have left side
// effects for, in completion order. Steps without a completion sequence
// were in flight and come first with Executed unset.
func (f *FlowDetail) Recoverable() []engine.RecordedStep {
	var out []engine.RecordedStep
	for _, s := range f.Steps {
		if s.State.NeedsCompensation() {
			out = append(out, engine.RecordedStep{
				Name:     s.Name,
				Seq:      s.Seq,
				Inputs:   s.Inputs,
				Result:   s.Result,
				Executed: s.Seq > 0,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// LogBook persists flow snapshots.
type LogBook interface {
	SaveFlow(ctx context.Context, flow FlowDetail) error
	SaveStep(ctx context.Context, step StepDetail) error

	// LoadFlow returns the snapshot for a job, or ErrNotFound.
	LoadFlow(ctx context.Context, jobID string) (*FlowDetail, error)
}
