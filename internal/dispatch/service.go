package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"postpilot/internal/store"
	"postpilot/internal/trigger"
	logx "postpilot/pkg/logx"
)

// Config controls the execution loop.
type Config struct {
	PollInterval   time.Duration // default 15s
	PublishTimeout time.Duration // default 5m
	StuckAfter     time.Duration // watchdog cutoff, default 30m
	MaxAttempts    int           // one-shot retry budget, default 3
	RetryDelay     time.Duration // delay between one-shot retries, default 2m
	Timezone       string        // IANA zone for recurring slots
	CleanupMedia   bool          // delete one-shot media after a successful post
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Minute
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 30 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Minute
	}
	return c
}

// Publisher is the slice of the publishing collaborator the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, mediaRef, caption string) (string, error)
}

// MediaCleaner removes a media asset once it is no longer needed.
type MediaCleaner interface {
	Remove(ref string) error
}

// Service is the background loop that fires due jobs. All of its state lives
// in the job store; the loop itself holds nothing that must survive a
// restart, so stopping and starting it (or the whole process) is always safe.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	paused bool
	stopCh chan struct{}

	st      store.Store
	pub     Publisher
	cleaner MediaCleaner // may be nil
	log     logx.Logger

	wg sync.WaitGroup
}

func New(cfg Config, st store.Store, pub Publisher, cleaner MediaCleaner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg.withDefaults(),
		st:      st,
		pub:     pub,
		cleaner: cleaner,
		log:     log,
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Apply swaps the runtime config (hot reload). A timezone change recomputes
// pending recurring fire times on the next tick via the normal recovery path.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg.withDefaults()
	newTZ := strings.TrimSpace(s.cfg.Timezone)
	s.loc = s.loadLocationLocked()
	s.mu.Unlock()

	if oldTZ != newTZ {
		if err := s.Recover(ctx, time.Now()); err != nil {
			s.log.Warn("fire time recompute after timezone change failed", logx.Err(err))
		}
	}
}

// Start recovers persisted fire times and launches the polling loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	cfg := s.cfg
	s.mu.Unlock()

	// Never trust in-memory timer continuity: everything is re-derived from
	// the store on every start.
	if err := s.Recover(ctx, time.Now()); err != nil {
		s.mu.Lock()
		s.stopCh = nil
		s.mu.Unlock()
		return fmt.Errorf("recover pending jobs: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, stopCh)
	}()
	s.log.Info("dispatcher started",
		logx.Duration("poll", cfg.PollInterval),
		logx.String("tz", s.Location().String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		// loop finishes in the background
	}
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}

// Pause stops claiming jobs. The loop keeps ticking so the watchdog still
// reclaims wedged jobs.
func (s *Service) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("dispatcher paused")
}

func (s *Service) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("dispatcher resumed")
}

func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		s.mu.Lock()
		interval := s.cfg.PollInterval
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-time.After(interval):
			s.Tick(ctx, time.Now())
		}
	}
}

// Recover re-derives every pending job's next fire time from its stored
// trigger definition. One-shot instants are kept as stored (a past-due
// one-shot fires on the next tick); recurring slots resolve to their next
// wall-clock occurrence after now.
func (s *Service) Recover(ctx context.Context, now time.Time) error {
	loc := s.Location()
	pending, err := s.st.List(ctx, store.Filter{Status: store.StatusPending})
	if err != nil {
		return err
	}
	for _, j := range pending {
		next, err := trigger.Next(j.Kind, j.Trigger, now, loc)
		if err != nil {
			s.log.Error("job has uncomputable trigger", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		// A one-shot mid-retry carries a backoff delay in NextFireAt; a
		// restart must not shorten it back to the original run time.
		if j.Kind == store.KindOneShot && j.Attempts > 0 && j.NextFireAt.After(next) {
			next = j.NextFireAt
		}
		if next.Equal(j.NextFireAt) {
			continue
		}
		if err := s.st.SetNextFire(ctx, j.ID, next, now); err != nil {
			return err
		}
		s.log.Debug("fire time recovered", logx.String("job", j.ID), logx.Time("next", next))
	}
	return nil
}

// Tick processes one dispatcher iteration: reclaim wedged jobs, then fire
// everything due, in ascending due-time order. One job's failure never
// blocks the rest of the tick.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	cfg := s.cfg
	paused := s.paused
	s.mu.Unlock()

	s.reclaimStuck(ctx, now, cfg)

	if paused {
		return
	}

	due, err := s.st.AllDue(ctx, now)
	if err != nil {
		s.log.Error("due query failed", logx.Err(err))
		return
	}
	for _, j := range due {
		claimed, err := s.st.Claim(ctx, j.ID, now)
		if err != nil {
			s.log.Error("claim failed", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		if !claimed {
			// Another tick got there first, or the job was edited away.
			continue
		}
		s.fire(ctx, j, now, cfg)
	}
}

// fire runs one publish attempt for a claimed job and feeds the outcome back
// into the state machine.
func (s *Service) fire(ctx context.Context, j *store.Job, now time.Time, cfg Config) {
	pctx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	remoteID, err := s.pub.Publish(pctx, j.MediaRef, j.Caption)
	cancel()

	if err == nil {
		s.finishSuccess(ctx, j, now, remoteID, cfg)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("publish timed out after %s", cfg.PublishTimeout)
	}
	s.finishFailure(ctx, j, now, err, cfg)
}

func (s *Service) finishSuccess(ctx context.Context, j *store.Job, now time.Time, remoteID string, cfg Config) {
	res := store.Result{At: now, OK: true, RemoteID: remoteID}

	var (
		next     store.Status
		nextFire time.Time
	)
	switch j.Kind {
	case store.KindOneShot:
		next = store.StatusCompleted
	case store.KindRecurring:
		// Recompute from the fire instant: the slot that just fired resolves
		// to its occurrence tomorrow, the others to later today.
		t, err := trigger.Next(j.Kind, j.Trigger, now, s.Location())
		if err != nil {
			s.log.Error("reschedule failed", logx.String("job", j.ID), logx.Err(err))
			s.finishFailure(ctx, j, now, err, cfg)
			return
		}
		next = store.StatusPending
		nextFire = t
	default:
		s.finishFailure(ctx, j, now, fmt.Errorf("unknown job kind %q", j.Kind), cfg)
		return
	}

	applied, err := s.st.FinishFiring(ctx, j.ID, res, next, nextFire, 0)
	if err != nil {
		s.log.Error("record firing failed", logx.String("job", j.ID), logx.Err(err))
		return
	}
	if !applied {
		// Cancelled mid-flight: result stays as history, no reschedule.
		s.log.Info("firing result recorded for cancelled job", logx.String("job", j.ID))
		return
	}

	s.log.Info("job published",
		logx.String("job", j.ID),
		logx.String("kind", string(j.Kind)),
		logx.String("remote_id", remoteID))

	if j.Kind == store.KindOneShot && cfg.CleanupMedia && s.cleaner != nil {
		if err := s.cleaner.Remove(j.MediaRef); err != nil {
			s.log.Warn("media cleanup failed", logx.String("job", j.ID), logx.Err(err))
		}
	}
}

func (s *Service) finishFailure(ctx context.Context, j *store.Job, now time.Time, ferr error, cfg Config) {
	res := store.Result{At: now, OK: false, Error: ferr.Error()}
	attempts := j.Attempts + 1

	var (
		next     store.Status
		nextFire time.Time
	)
	switch j.Kind {
	case store.KindRecurring:
		// A recurring job never exhausts: the failed firing is recorded and
		// the job simply waits for its next natural slot.
		t, terr := trigger.Next(j.Kind, j.Trigger, now, s.Location())
		if terr != nil {
			s.log.Error("reschedule after failure failed", logx.String("job", j.ID), logx.Err(terr))
			t = time.Time{}
		}
		next = store.StatusPending
		nextFire = t
	case store.KindOneShot:
		if attempts >= cfg.MaxAttempts {
			next = store.StatusFailed
		} else {
			next = store.StatusPending
			nextFire = now.Add(cfg.RetryDelay)
		}
	default:
		next = store.StatusFailed
	}

	applied, err := s.st.FinishFiring(ctx, j.ID, res, next, nextFire, attempts)
	if err != nil {
		s.log.Error("record firing failed", logx.String("job", j.ID), logx.Err(err))
		return
	}
	if !applied {
		s.log.Info("failure recorded for cancelled job", logx.String("job", j.ID))
		return
	}
	s.log.Warn("job firing failed",
		logx.String("job", j.ID),
		logx.String("kind", string(j.Kind)),
		logx.Int("attempts", attempts),
		logx.String("err", ferr.Error()))
}

// reclaimStuck forces jobs wedged in running back into the state machine.
// One-shot jobs go to failed rather than pending: the publish may actually
// have landed, and a blind retry could duplicate the remote post.
func (s *Service) reclaimStuck(ctx context.Context, now time.Time, cfg Config) {
	stuck, err := s.st.Stuck(ctx, now.Add(-cfg.StuckAfter))
	if err != nil {
		s.log.Error("stuck query failed", logx.Err(err))
		return
	}
	for _, j := range stuck {
		res := store.Result{
			At:    now,
			OK:    false,
			Error: fmt.Sprintf("reclaimed by watchdog: running since %s", j.ClaimedAt.Format(time.RFC3339)),
		}
		next := store.StatusFailed
		var nextFire time.Time
		if j.Kind == store.KindRecurring {
			next = store.StatusPending
			if t, err := trigger.Next(j.Kind, j.Trigger, now, s.Location()); err == nil {
				nextFire = t
			}
		}
		if _, err := s.st.FinishFiring(ctx, j.ID, res, next, nextFire, j.Attempts+1); err != nil {
			s.log.Error("watchdog reclaim failed", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		s.log.Warn("job reclaimed by watchdog",
			logx.String("job", j.ID),
			logx.Time("claimed_at", j.ClaimedAt),
			logx.String("next_status", string(next)))
	}
}

// Location returns the zone recurring slots are interpreted in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}

// loadLocationLocked resolves the configured timezone. Call with s.mu held.
func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
