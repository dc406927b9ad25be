package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no job exists with the requested id.
	ErrNotFound = errors.New("job not found")
)

// Kind distinguishes the two trigger variants. Every site that inspects a
// job's trigger must switch on Kind exhaustively and reject anything else.
type Kind string

const (
	KindOneShot   Kind = "one_shot"
	KindRecurring Kind = "recurring"
)

func (k Kind) Valid() bool { return k == KindOneShot || k == KindRecurring }

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status accepts no further dispatcher
// transitions. Failed is terminal for one-shot jobs only; a recurring job
// never reaches it (a failed firing returns it to pending).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Trigger is the tagged trigger definition. Exactly one variant is populated,
// consistent with the job's Kind:
//   - one-shot: RunAt (absolute instant)
//   - recurring: Slots ("HH:MM" wall-clock times, fired daily in the
//     configured timezone), plus an optional StartDate floor ("2006-01-02").
type Trigger struct {
	RunAt     time.Time
	Slots     []string
	StartDate string
}

// Result records the outcome of one firing.
type Result struct {
	At       time.Time
	OK       bool
	RemoteID string
	Error    string
}

// Job is the persisted unit of scheduled publishing work.
//
// MediaRef is an opaque handle owned by the media store; the scheduler only
// passes it through. NextFireAt is derived from the trigger and kept
// up to date in the store so due queries stay a single indexed scan.
type Job struct {
	ID       string
	Kind     Kind
	MediaRef string
	Caption  string
	Trigger  Trigger

	Status     Status
	NextFireAt time.Time // zero when terminal

	// Attempts counts consecutive failed firings; it bounds one-shot retries
	// and resets on success or trigger edit.
	Attempts int

	// ClaimedAt is set while the job is running; the watchdog uses it to
	// reclaim jobs wedged by a crashed or hung publish call.
	ClaimedAt time.Time

	LastResult *Result

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status Status
	Kind   Kind
}
