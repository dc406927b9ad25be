package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/internal/store"
	"postpilot/internal/trigger"
	logx "postpilot/pkg/logx"
)

type fakePublisher struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, mediaRef, caption string) (string, error)
}

func (p *fakePublisher) Publish(ctx context.Context, mediaRef, caption string) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, mediaRef)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(ctx, mediaRef, caption)
	}
	return "remote-1", nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeCleaner struct {
	mu      sync.Mutex
	removed []string
}

func (c *fakeCleaner) Remove(ref string) error {
	c.mu.Lock()
	c.removed = append(c.removed, ref)
	c.mu.Unlock()
	return nil
}

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newService(t *testing.T, st store.Store, pub Publisher, cleaner MediaCleaner, cfg Config) *Service {
	t.Helper()
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	return New(cfg, st, pub, cleaner, logx.Nop())
}

func putJob(t *testing.T, st store.Store, j *store.Job) {
	t.Helper()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	j.UpdatedAt = j.CreatedAt
	require.NoError(t, st.Put(context.Background(), j))
}

func TestTickFiresDueOneShot(t *testing.T) {
	st := openTestStore(t)
	pub := &fakePublisher{}
	svc := newService(t, st, pub, nil, Config{})
	ctx := context.Background()

	runAt := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	putJob(t, st, &store.Job{
		ID:         "j1",
		Kind:       store.KindOneShot,
		MediaRef:   "reel.mp4",
		Caption:    "hello",
		Trigger:    store.Trigger{RunAt: runAt},
		Status:     store.StatusPending,
		NextFireAt: runAt,
	})

	// Not due yet.
	svc.Tick(ctx, runAt.Add(-time.Second))
	assert.Equal(t, 0, pub.count())

	svc.Tick(ctx, runAt.Add(5*time.Second))
	assert.Equal(t, 1, pub.count())

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.LastResult)
	assert.True(t, got.LastResult.OK)
	assert.Equal(t, "remote-1", got.LastResult.RemoteID)

	// A completed job never fires again.
	svc.Tick(ctx, runAt.Add(time.Hour))
	assert.Equal(t, 1, pub.count())
}

func TestTickReschedulesRecurring(t *testing.T) {
	st := openTestStore(t)
	pub := &fakePublisher{}
	svc := newService(t, st, pub, nil, Config{})
	ctx := context.Background()

	trig := store.Trigger{Slots: []string{"09:00", "13:00", "18:00"}}
	first := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	putJob(t, st, &store.Job{
		ID:         "r1",
		Kind:       store.KindRecurring,
		MediaRef:   "daily.mp4",
		Trigger:    trig,
		Status:     store.StatusPending,
		NextFireAt: first,
	})

	svc.Tick(ctx, first.Add(2*time.Second))
	assert.Equal(t, 1, pub.count())

	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	want := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	assert.True(t, got.NextFireAt.Equal(want), "next fire %v, want %v", got.NextFireAt, want)
	assert.Equal(t, 0, got.Attempts)
}

func TestOneShotRetriesThenFails(t *testing.T) {
	st := openTestStore(t)
	pub := &fakePublisher{fn: func(context.Context, string, string) (string, error) {
		return "", errors.New("container expired")
	}}
	svc := newService(t, st, pub, nil, Config{MaxAttempts: 3, RetryDelay: 2 * time.Minute})
	ctx := context.Background()

	runAt := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	putJob(t, st, &store.Job{
		ID:         "j1",
		Kind:       store.KindOneShot,
		MediaRef:   "reel.mp4",
		Trigger:    store.Trigger{RunAt: runAt},
		Status:     store.StatusPending,
		NextFireAt: runAt,
	})

	now := runAt
	svc.Tick(ctx, now)
	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.NextFireAt.Equal(now.Add(2*time.Minute)))

	now = got.NextFireAt
	svc.Tick(ctx, now)
	got, err = st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 2, got.Attempts)

	now = got.NextFireAt
	svc.Tick(ctx, now)
	got, err = st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.LastResult)
	assert.Contains(t, got.LastResult.Error, "container expired")

	// Terminal: no further attempts.
	svc.Tick(ctx, now.Add(time.Hour))
	assert.Equal(t, 3, pub.count())
}

func TestRecurringFailureWaitsForNextSlot(t *testing.T) {
	st := openTestStore(t)
	pub := &fakePublisher{fn: func(context.Context, string, string) (string, error) {
		return "", errors.New("rate limited")
	}}
	svc := newService(t, st, pub, nil, Config{MaxAttempts: 1})
	ctx := context.Background()

	first := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	putJob(t, st, &store.Job{
		ID:         "r1",
		Kind:       store.KindRecurring,
		MediaRef:   "daily.mp4",
		Trigger:    store.Trigger{Slots: []string{"09:00"}},
		Status:     store.StatusPending,
		NextFireAt: first,
	})

	svc.Tick(ctx, first)
	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	// Recurring jobs never exhaust; the failure is history and the job waits
	// for tomorrow's slot.
	assert.Equal(t, store.StatusPending, got.Status)
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	assert.True(t, got.NextFireAt.Equal(want))
	require.NotNil(t, got.LastResult)
	assert.False(t, got.LastResult.OK)
}

func TestPublishTimeout(t *testing.T) {
	st := openTestStore(t)
	pub := &fakePublisher{fn: func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	svc := newService(t, st, pub, nil, Config{PublishTimeout: 30 * time.Millisecond, MaxAttempts: 1})
	ctx := context.Background()

	runAt := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	putJob(t, st, &store.Job{
		ID:         "j1",
		Kind:       store.KindOneShot,
		MediaRef:   "reel.mp4",
		Trigger:    store.Trigger{RunAt: runAt},
		Status:     store.StatusPending,
		NextFireAt: runAt,
	})

	svc.Tick(ctx, runAt)

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	// The hang resolves to a recorded failure, never a job wedged in running.
	assert.Equal(t, store.StatusFailed, got.Status)
	require.NotNil(t, got.LastResult)
	assert.Contains(t, got.LastResult.Error, "timed out")
}

func TestMediaCleanupAfterOneShotSuccess(t *testing.T) {
	st := openTestStore(t)
	pub := &fakePublisher{}
	cleaner := &fakeCleaner{}
	svc := newService(t, st, pub, cleaner, Config{CleanupMedia: true})
	ctx := context.Background()

	runAt := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	putJob(t, st, &store.Job{
		ID:         "j1",
		Kind:       store.KindOneShot,
		MediaRef:   "reel.mp4",
		Trigger:    store.Trigger{RunAt: runAt},
		Status:     store.StatusPending,
		NextFireAt: runAt,
	})

	svc.Tick(ctx, runAt)
	assert.Equal(t, []string{"reel.mp4"}, cleaner.removed)
}

func TestPausedTickSkipsClaims(t *testing.T) {
	st := openTestStore(t)
	pub := &fakePublisher{}
	svc := newService(t, st, pub, nil, Config{})
	ctx := context.Background()

	runAt := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	putJob(t, st, &store.Job{
		ID:         "j1",
		Kind:       store.KindOneShot,
		MediaRef:   "reel.mp4",
		Trigger:    store.Trigger{RunAt: runAt},
		Status:     store.StatusPending,
		NextFireAt: runAt,
	})

	svc.Pause()
	assert.True(t, svc.Paused())
	svc.Tick(ctx, runAt.Add(time.Minute))
	assert.Equal(t, 0, pub.count())

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)

	svc.Resume()
	svc.Tick(ctx, runAt.Add(2*time.Minute))
	assert.Equal(t, 1, pub.count())
}

func TestRecoverRecomputesRecurring(t *testing.T) {
	st := openTestStore(t)
	svc := newService(t, st, &fakePublisher{}, nil, Config{})
	ctx := context.Background()

	trig := store.Trigger{Slots: []string{"09:00", "18:00"}}
	// Stored fire time is stale (points into the past).
	stale := time.Date(2023, 12, 20, 9, 0, 0, 0, time.UTC)
	putJob(t, st, &store.Job{
		ID:         "r1",
		Kind:       store.KindRecurring,
		MediaRef:   "daily.mp4",
		Trigger:    trig,
		Status:     store.StatusPending,
		NextFireAt: stale,
	})

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, svc.Recover(ctx, now))

	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	want, err := trigger.Next(store.KindRecurring, trig, now, time.UTC)
	require.NoError(t, err)
	assert.True(t, got.NextFireAt.Equal(want), "recovered %v, want %v", got.NextFireAt, want)

	// A second recovery at the same instant is a no-op.
	require.NoError(t, svc.Recover(ctx, now))
	again, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, again.NextFireAt.Equal(want))
}

func TestRecoverKeepsPastDueOneShot(t *testing.T) {
	st := openTestStore(t)
	svc := newService(t, st, &fakePublisher{}, nil, Config{})
	ctx := context.Background()

	runAt := time.Date(2023, 12, 31, 10, 0, 0, 0, time.UTC)
	putJob(t, st, &store.Job{
		ID:         "j1",
		Kind:       store.KindOneShot,
		MediaRef:   "reel.mp4",
		Trigger:    store.Trigger{RunAt: runAt},
		Status:     store.StatusPending,
		NextFireAt: runAt,
	})

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, svc.Recover(ctx, now))

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, got.NextFireAt.Equal(runAt), "past-due one-shot must stay due")
}

func TestRecoverKeepsRetryBackoff(t *testing.T) {
	st := openTestStore(t)
	svc := newService(t, st, &fakePublisher{}, nil, Config{})
	ctx := context.Background()

	// A one-shot that already failed once sits in its retry backoff window.
	runAt := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	now := runAt.Add(time.Minute)
	retryAt := now.Add(2 * time.Minute)
	putJob(t, st, &store.Job{
		ID:         "j1",
		Kind:       store.KindOneShot,
		MediaRef:   "reel.mp4",
		Trigger:    store.Trigger{RunAt: runAt},
		Status:     store.StatusPending,
		NextFireAt: retryAt,
		Attempts:   1,
	})

	require.NoError(t, svc.Recover(ctx, now))

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, got.NextFireAt.Equal(retryAt),
		"restart must not shorten the backoff: got %v, want %v", got.NextFireAt, retryAt)
}

func TestWatchdogReclaimsStuckJobs(t *testing.T) {
	st := openTestStore(t)
	pub := &fakePublisher{}
	svc := newService(t, st, pub, nil, Config{StuckAfter: 30 * time.Minute})
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	oneShot := &store.Job{
		ID:        "stuck-one",
		Kind:      store.KindOneShot,
		MediaRef:  "a.mp4",
		Trigger:   store.Trigger{RunAt: now.Add(-2 * time.Hour)},
		Status:    store.StatusRunning,
		ClaimedAt: now.Add(-time.Hour),
	}
	recurring := &store.Job{
		ID:        "stuck-rec",
		Kind:      store.KindRecurring,
		MediaRef:  "b.mp4",
		Trigger:   store.Trigger{Slots: []string{"09:00"}},
		Status:    store.StatusRunning,
		ClaimedAt: now.Add(-time.Hour),
	}
	fresh := &store.Job{
		ID:        "fresh",
		Kind:      store.KindOneShot,
		MediaRef:  "c.mp4",
		Trigger:   store.Trigger{RunAt: now},
		Status:    store.StatusRunning,
		ClaimedAt: now.Add(-time.Minute),
	}
	for _, j := range []*store.Job{oneShot, recurring, fresh} {
		putJob(t, st, j)
	}

	svc.Tick(ctx, now)

	got, err := st.Get(ctx, "stuck-one")
	require.NoError(t, err)
	// One-shot: the publish may have landed, so no blind retry.
	assert.Equal(t, store.StatusFailed, got.Status)
	require.NotNil(t, got.LastResult)
	assert.Contains(t, got.LastResult.Error, "watchdog")

	got, err = st.Get(ctx, "stuck-rec")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	assert.True(t, got.NextFireAt.Equal(want))

	got, err = st.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)

	// Reclaimed jobs were never re-fired by this tick.
	assert.Equal(t, 0, pub.count())
}

func TestStartStop(t *testing.T) {
	st := openTestStore(t)
	svc := newService(t, st, &fakePublisher{}, nil, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.Running())
	// Idempotent.
	require.NoError(t, svc.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	assert.False(t, svc.Running())
	svc.Stop(stopCtx)
}

func TestApplyTimezoneChangeRecomputes(t *testing.T) {
	st := openTestStore(t)
	svc := newService(t, st, &fakePublisher{}, nil, Config{Timezone: "UTC"})
	ctx := context.Background()

	trig := store.Trigger{Slots: []string{"09:00"}}
	next, err := trigger.Next(store.KindRecurring, trig, time.Now(), time.UTC)
	require.NoError(t, err)
	putJob(t, st, &store.Job{
		ID:         "r1",
		Kind:       store.KindRecurring,
		MediaRef:   "daily.mp4",
		Trigger:    trig,
		Status:     store.StatusPending,
		NextFireAt: next,
	})

	svc.Apply(ctx, Config{Timezone: "Asia/Kolkata"})

	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	assert.Equal(t, loc.String(), svc.Location().String())

	got, err := st.Get(ctx, "r1")
	require.NoError(t, err)
	want, err := trigger.Next(store.KindRecurring, trig, time.Now(), loc)
	require.NoError(t, err)
	assert.True(t, got.NextFireAt.Equal(want), "slot must re-resolve in the new zone")
}
