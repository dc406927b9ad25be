// Package manager is the only entry point the surrounding application uses
// to work with scheduled jobs. It validates input, mediates between the job
// store and the trigger engine, and owns the dispatcher lifecycle. Nothing
// else writes to the job store.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/dispatch"
	"postpilot/internal/store"
	"postpilot/internal/trigger"
	logx "postpilot/pkg/logx"
)

var (
	// ErrInvalidState is returned when an operation is illegal for the job's
	// current status (e.g. editing a running or cancelled job).
	ErrInvalidState = errors.New("operation not allowed in current job state")

	// ErrRunning is returned by Remove for an in-flight job; cancel it first
	// or pass force.
	ErrRunning = errors.New("job is running; cancel first or force removal")
)

type Manager struct {
	st   store.Store
	disp *dispatch.Service
	log  logx.Logger
}

func New(st store.Store, disp *dispatch.Service, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{st: st, disp: disp, log: log}
}

// Schedule validates the trigger, persists a new pending job, and returns it.
// A one-shot time in the past is accepted: the job fires on the next
// dispatcher tick instead of being silently skipped.
func (m *Manager) Schedule(ctx context.Context, mediaRef, caption string, kind store.Kind, trig store.Trigger) (*store.Job, error) {
	if strings.TrimSpace(mediaRef) == "" {
		return nil, fmt.Errorf("%w: media reference is required", trigger.ErrInvalid)
	}
	if err := trigger.Validate(kind, trig); err != nil {
		return nil, err
	}

	now := time.Now()
	next, err := trigger.Next(kind, trig, now, m.disp.Location())
	if err != nil {
		return nil, err
	}

	j := &store.Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		MediaRef:   mediaRef,
		Caption:    caption,
		Trigger:    trig,
		Status:     store.StatusPending,
		NextFireAt: next,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.st.Put(ctx, j); err != nil {
		return nil, err
	}
	m.log.Info("job scheduled",
		logx.String("job", j.ID),
		logx.String("kind", string(kind)),
		logx.Time("next", next))
	return j, nil
}

// Edit updates the caption and/or trigger. Running, completed, and cancelled
// jobs reject edits; a failed one-shot is re-activated to pending when its
// trigger is replaced. Nil arguments leave the field untouched. The job id
// never changes.
func (m *Manager) Edit(ctx context.Context, id string, newCaption *string, newTrig *store.Trigger) (*store.Job, error) {
	j, err := m.st.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch j.Status {
	case store.StatusRunning:
		return nil, fmt.Errorf("%w: job %s is running", ErrInvalidState, id)
	case store.StatusCompleted, store.StatusCancelled:
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, j.Status)
	case store.StatusPending, store.StatusFailed:
		// editable
	default:
		return nil, fmt.Errorf("%w: job %s has unknown status %q", ErrInvalidState, id, j.Status)
	}

	prior := j.Status
	now := time.Now()

	if newCaption != nil {
		j.Caption = *newCaption
	}
	if newTrig != nil {
		if err := trigger.Validate(j.Kind, *newTrig); err != nil {
			return nil, err
		}
		next, err := trigger.Next(j.Kind, *newTrig, now, m.disp.Location())
		if err != nil {
			return nil, err
		}
		j.Trigger = *newTrig
		j.NextFireAt = next
		// A trigger edit re-activates a failed one-shot and resets its
		// retry budget.
		j.Status = store.StatusPending
		j.Attempts = 0
	}
	j.UpdatedAt = now

	ok, err := m.st.Update(ctx, j, prior)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The dispatcher claimed or finished the job between our read and
		// write; treat it like any other illegal-state edit.
		return nil, fmt.Errorf("%w: job %s changed concurrently", ErrInvalidState, id)
	}
	m.log.Info("job edited", logx.String("job", id), logx.String("status", string(j.Status)))
	return j, nil
}

// Cancel is idempotent: cancelling a completed or already-cancelled job is a
// no-op, not an error. Cancelling a running job lets the in-flight publish
// finish; its result is recorded but no reschedule happens.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	prior, err := m.st.Cancel(ctx, id, time.Now())
	if err != nil {
		return err
	}
	if prior == store.StatusCompleted || prior == store.StatusCancelled {
		return nil
	}
	m.log.Info("job cancelled", logx.String("job", id), logx.String("was", string(prior)))
	return nil
}

// Remove deletes the job record. A running job is refused unless force is
// set; cancelled and completed history deletes freely.
func (m *Manager) Remove(ctx context.Context, id string, force bool) error {
	j, err := m.st.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status == store.StatusRunning && !force {
		return fmt.Errorf("%w: %s", ErrRunning, id)
	}
	if err := m.st.Delete(ctx, id); err != nil {
		return err
	}
	m.log.Info("job removed", logx.String("job", id), logx.Bool("force", force))
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (*store.Job, error) {
	return m.st.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, f store.Filter) ([]*store.Job, error) {
	return m.st.List(ctx, f)
}

// Pause suspends firing without losing schedule state; Resume picks due jobs
// back up on the next tick.
func (m *Manager) Pause()  { m.disp.Pause() }
func (m *Manager) Resume() { m.disp.Resume() }

// Snapshot summarizes the scheduling engine for the surrounding application.
type Snapshot struct {
	DispatcherRunning bool
	Paused            bool
	TotalJobs         int
	ByStatus          map[store.Status]int
	NextFire          time.Time // earliest pending fire, zero when none
}

func (m *Manager) Status(ctx context.Context) (Snapshot, error) {
	jobs, err := m.st.List(ctx, store.Filter{})
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		DispatcherRunning: m.disp.Running(),
		Paused:            m.disp.Paused(),
		TotalJobs:         len(jobs),
		ByStatus:          make(map[store.Status]int),
	}
	for _, j := range jobs {
		snap.ByStatus[j.Status]++
		if j.Status == store.StatusPending && !j.NextFireAt.IsZero() {
			if snap.NextFire.IsZero() || j.NextFireAt.Before(snap.NextFire) {
				snap.NextFire = j.NextFireAt
			}
		}
	}
	return snap, nil
}
