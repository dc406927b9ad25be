package store

import (
	"context"
	"time"
)

// Store is the durable job table. It is the single source of truth shared by
// the manager and the dispatcher; all cross-component coordination is
// expressed as the atomic operations below, never as in-memory state.
type Store interface {
	// Put inserts or overwrites the job by id. The write is durable before
	// Put returns.
	Put(ctx context.Context, j *Job) error

	// Get returns the job or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs matching the filter: pending jobs ordered by next
	// fire time ascending, everything else by creation time.
	List(ctx context.Context, f Filter) ([]*Job, error)

	// Delete removes the record. Deleting an absent id returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// AllDue returns every pending job whose next fire time is <= asOf,
	// ordered by next fire time ascending.
	AllDue(ctx context.Context, asOf time.Time) ([]*Job, error)

	// Claim atomically moves a pending job to running (the per-job execution
	// right). It reports false when the job was already claimed or is no
	// longer pending; callers skip silently in that case.
	Claim(ctx context.Context, id string, at time.Time) (bool, error)

	// FinishFiring records the firing result unconditionally, and applies the
	// status transition plus next fire time only if the job is still running.
	// It reports whether the transition was applied; false means a concurrent
	// cancel won and the result was recorded as history only.
	FinishFiring(ctx context.Context, id string, res Result, next Status, nextFire time.Time, attempts int) (bool, error)

	// Update overwrites the mutable job fields iff the stored status still
	// equals expect. It reports false when the compare failed.
	Update(ctx context.Context, j *Job, expect Status) (bool, error)

	// Cancel moves the job to cancelled unless it is already completed or
	// cancelled (then it is a no-op). It returns the status the job had
	// before the call, or ErrNotFound.
	Cancel(ctx context.Context, id string, at time.Time) (Status, error)

	// SetNextFire rewrites a pending job's next fire time (startup recovery).
	SetNextFire(ctx context.Context, id string, next time.Time, at time.Time) error

	// Stuck returns running jobs claimed before the cutoff, for the watchdog.
	Stuck(ctx context.Context, before time.Time) ([]*Job, error)

	Close() error
}
