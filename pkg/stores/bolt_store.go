package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/mqfleet/mqfleet/pkg/jobboard"
)

var (
	// Bucket names
	bucketJobs  = []byte("jobs")
	bucketFlows = []byte("flows")
	bucketSteps = []byte("steps")
)

// BoltStore implements the job board and the flow log book on a single
// bbolt file. Every mutation runs in one write transaction, which bbolt
// serializes, so claims are exclusive. A bbolt file can be opened by one
// process at a time; use it for single-host deployments.
type BoltStore struct {
	db           *bolt.DB
	notify       *jobboard.Notifier
	pollInterval time.Duration
	now          func() time.Time
}

// NewBoltStore opens (or creates) the bbolt file at path.
func NewBoltStore(path string, pollInterval time.Duration) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketFlows, bucketSteps} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &BoltStore{db: db, notify: jobboard.NewNotifier(), pollInterval: pollInterval, now: time.Now}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Post persists a job.
func (s *BoltStore) Post(_ context.Context, job *jobboard.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Factory == "" {
		return fmt.Errorf("job %s has no factory", job.ID)
	}
	if job.Name == "" {
		job.Name = job.Factory
	}
	now := s.now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	job.Owner, job.ClaimExpiresAt, job.Claims = "", time.Time{}, 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("job already exists: %s", job.ID)
		}
		return putJSON(b, job.ID, job)
	})
	if err != nil {
		return fmt.Errorf("failed to post job: %w", err)
	}
	s.notify.Notify()
	return nil
}

// Claim takes the job for owner if it is unclaimed or its lease expired.
func (s *BoltStore) Claim(_ context.Context, id, owner string, lease time.Duration) (*jobboard.Job, error) {
	if owner == "" {
		return nil, fmt.Errorf("claim owner is required")
	}
	var claimed jobboard.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		job, err := getJob(b, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if !job.ClaimableAt(now) {
			return jobboard.ErrAlreadyClaimed
		}
		job.Owner = owner
		job.ClaimExpiresAt = now.Add(lease)
		job.Claims++
		job.UpdatedAt = now
		claimed = *job
		return putJSON(b, id, job)
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// Extend renews owner's lease.
func (s *BoltStore) Extend(_ context.Context, id, owner string, lease time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		job, err := ownedJob(b, id, owner)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		job.ClaimExpiresAt = now.Add(lease)
		job.UpdatedAt = now
		return putJSON(b, id, job)
	})
}

// Abandon releases owner's claim.
func (s *BoltStore) Abandon(_ context.Context, id, owner string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		job, err := ownedJob(b, id, owner)
		if err != nil {
			return err
		}
		job.Owner = ""
		job.ClaimExpiresAt = time.Time{}
		job.UpdatedAt = s.now().UTC()
		return putJSON(b, id, job)
	})
	if err == nil {
		s.notify.Notify()
	}
	return err
}

// Consume removes a job owned by owner.
func (s *BoltStore) Consume(_ context.Context, id, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if _, err := ownedJob(b, id, owner); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// Delete removes a job regardless of its claim.
func (s *BoltStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", jobboard.ErrNotFound, id)
		}
		return b.Delete([]byte(id))
	})
}

// Get retrieves a job by ID.
func (s *BoltStore) Get(_ context.Context, id string) (*jobboard.Job, error) {
	var job *jobboard.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = getJob(tx.Bucket(bucketJobs), id)
		return err
	})
	return job, err
}

// List returns jobs in posting order.
func (s *BoltStore) List(_ context.Context, opts jobboard.ListOptions) ([]*jobboard.Job, error) {
	now := s.now().UTC()
	var jobs []*jobboard.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job jobboard.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if opts.UnclaimedOnly && !job.ClaimableAt(now) {
				return nil
			}
			if opts.Factory != "" && job.Factory != opts.Factory {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	if opts.Limit > 0 && len(jobs) > opts.Limit {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// Wait blocks until a claimable job exists or timeout elapses.
func (s *BoltStore) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	return jobboard.WaitFor(ctx, timeout, s.pollInterval, s.notify, func(ctx context.Context) (bool, error) {
		jobs, err := s.List(ctx, jobboard.ListOptions{UnclaimedOnly: true, Limit: 1})
		return len(jobs) > 0, err
	})
}

// SaveFlow upserts a flow snapshot.
func (s *BoltStore) SaveFlow(_ context.Context, flow jobboard.FlowDetail) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFlows)
		now := s.now().UTC()

		var existing jobboard.FlowDetail
		if data := b.Get([]byte(flow.JobID)); data != nil {
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			flow.CreatedAt = existing.CreatedAt
			if flow.Factory == "" {
				flow.Factory = existing.Factory
			}
		} else {
			flow.CreatedAt = now
		}
		flow.UpdatedAt = now
		flow.Steps = nil
		return putJSON(b, flow.JobID, flow)
	})
}

// SaveStep upserts a step snapshot.
func (s *BoltStore) SaveStep(_ context.Context, step jobboard.StepDetail) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSteps)
		key := stepKey(step.JobID, step.Name)
		step.UpdatedAt = s.now().UTC()

		if data := b.Get([]byte(key)); data != nil {
			var existing jobboard.StepDetail
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			step = existing.Merge(step)
		}
		return putJSON(b, key, step)
	})
}

// LoadFlow returns the snapshot of a job's flow with its steps.
func (s *BoltStore) LoadFlow(_ context.Context, jobID string) (*jobboard.FlowDetail, error) {
	var flow jobboard.FlowDetail
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFlows).Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("%w: flow for job %s", jobboard.ErrNotFound, jobID)
		}
		if err := json.Unmarshal(data, &flow); err != nil {
			return err
		}

		prefix := []byte(jobID + "/")
		c := tx.Bucket(bucketSteps).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var step jobboard.StepDetail
			if err := json.Unmarshal(v, &step); err != nil {
				return err
			}
			flow.Steps = append(flow.Steps, step)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(flow.Steps, func(i, j int) bool { return flow.Steps[i].Seq < flow.Steps[j].Seq })
	return &flow, nil
}

func stepKey(jobID, name string) string {
	return jobID + "/" + name
}

func getJob(b *bolt.Bucket, id string) (*jobboard.Job, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", jobboard.ErrNotFound, id)
	}
	var job jobboard.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func ownedJob(b *bolt.Bucket, id, owner string) (*jobboard.Job, error) {
	job, err := getJob(b, id)
	if err != nil {
		return nil, err
	}
	if job.Owner != owner {
		return nil, fmt.Errorf("%w: %s", jobboard.ErrNotOwner, owner)
	}
	return job, nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
