// Package jobboard defines durable jobs and the board that distributes them
// to conductors.
package jobboard

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyClaimed is returned when another owner holds a live claim.
	ErrAlreadyClaimed = errors.New("job already claimed")

	// ErrNotOwner is returned when the caller does not hold the claim.
	ErrNotOwner = errors.New("job not claimed by owner")
)

// State is the claim state of a job.
type State string

const (
	StateUnclaimed State = "unclaimed"
	StateClaimed   State = "claimed"
)

// Job is a durable reference to a flow factory invocation.
type Job struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Factory names the flow factory that rebuilds the flow graph.
	Factory       string         `json:"factory"`
	FactoryArgs   []any          `json:"factory_args,omitempty"`
	FactoryKwargs map[string]any `json:"factory_kwargs,omitempty"`

	// Store holds the initial flow store bindings.
	Store map[string]any `json:"store,omitempty"`

	TransactionID string `json:"transaction_id,omitempty"`

	Owner          string    `json:"owner,omitempty"`
	ClaimExpiresAt time.Time `json:"claim_expires_at,omitempty"`
	Claims         int       `json:"claims"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob creates an unposted job for factory.
func NewJob(factory string, args []any, kwargs, store map[string]any, txID string) *Job {
	if txID == "" {
		txID = uuid.New().String()
	}
	return &Job{
		ID:            uuid.New().String(),
		Name:          factory,
		Factory:       factory,
		FactoryArgs:   args,
		FactoryKwargs: kwargs,
		Store:         store,
		TransactionID: txID,
	}
}

// StateAt returns the claim state at now. Expired claims count as unclaimed.
func (j *Job) StateAt(now time.Time) State {
	if j.Owner != "" && now.Before(j.ClaimExpiresAt) {
		return StateClaimed
	}
	return StateUnclaimed
}

// ClaimableAt reports whether a new owner may claim the job at now.
func (j *Job) ClaimableAt(now time.Time) bool {
	return j.StateAt(now) == StateUnclaimed
}

// ListOptions filters List results.
type ListOptions struct {
	// UnclaimedOnly hides jobs with a live claim.
	UnclaimedOnly bool

	// Factory restricts results to one flow factory.
	Factory string

	// Limit caps the number of results (0 = no limit).
	Limit int
}

// Board is a shared, durable, lockable set of jobs.
type Board interface {
	// Post persists the job and makes it visible to conductors.
	Post(ctx context.Context, job *Job) error

	// Claim takes exclusive ownership of a job for the lease duration.
	// It returns ErrAlreadyClaimed when another live claim exists.
	Claim(ctx context.Context, id, owner string, lease time.Duration) (*Job, error)

	// Extend renews the owner's lease.
	Extend(ctx context.Context, id, owner string, lease time.Duration) error

	// Abandon releases the owner's claim without removing the job.
	Abandon(ctx context.Context, id, owner string) error

	// Consume removes a job. Only the claim owner may consume it.
	Consume(ctx context.Context, id, owner string) error

	// Delete removes a job regardless of claims.
	Delete(ctx context.Context, id string) error

	// Get returns a job by ID.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs in approximate posting order.
	List(ctx context.Context, opts ListOptions) ([]*Job, error)

	// Wait blocks until a claimable job may be available or timeout
	// elapses. It reports whether one was seen.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)

	Close() error
}
