// Package worker executes queued browser actions with working-window and
// daily-quota gating. The design prefers explicit deferral over automatic
// multi-retry: repeated failed platform actions risk account flags, so a job
// gets one execution attempt unless configured otherwise.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/recruitkit/puppetd/internal/crypto"
	"github.com/recruitkit/puppetd/internal/harvest"
	"github.com/recruitkit/puppetd/internal/ledger"
	"github.com/recruitkit/puppetd/internal/proxy"
	"github.com/recruitkit/puppetd/internal/queue"
	"github.com/recruitkit/puppetd/internal/quota"
	"github.com/recruitkit/puppetd/internal/ratelimit"
	"github.com/recruitkit/puppetd/internal/schedule"
	"github.com/recruitkit/puppetd/internal/store"
	"github.com/recruitkit/puppetd/pkg/models"
)

// minDeferDelay is the floor on every computed deferral. A zero-delay
// re-enqueue would spin the queue.
const minDeferDelay = time.Minute

var (
	// ErrSessionUnavailable means the referenced session is missing, not yet
	// harvested, or expired.
	ErrSessionUnavailable = errors.New("worker: session unavailable")
	// ErrDailyLimit means the day's quota is exhausted and no future window
	// could be computed to defer into.
	ErrDailyLimit = errors.New("worker: daily action limit reached")
	// ErrNoWindow means the account has no working window configured at all.
	ErrNoWindow = errors.New("worker: no working window configured")
	// ErrUnknownAction means no implementation is registered for the kind.
	ErrUnknownAction = errors.New("worker: unknown action kind")
)

// ActionRequest is everything an action implementation receives.
type ActionRequest struct {
	Job      models.ActionJob
	Cookies  []harvest.Cookie
	ProxyURL string
}

// Action is a pluggable browser automation against the target platform.
type Action interface {
	Execute(ctx context.Context, req ActionRequest) error
}

// AccountSettings gates one account's automated activity.
type AccountSettings struct {
	Window     schedule.Window
	DailyLimit map[models.ActionKind]int
	CreditCost map[models.ActionKind]int
}

// SettingsSource resolves per-account settings.
type SettingsSource interface {
	Settings(ctx context.Context, userID string) (*AccountSettings, error)
}

// StaticSettings serves the same settings for every account; the default
// when no per-account configuration store is wired.
type StaticSettings struct {
	Account AccountSettings
}

func (s *StaticSettings) Settings(ctx context.Context, userID string) (*AccountSettings, error) {
	cp := s.Account
	return &cp, nil
}

// Config tunes the worker pool.
type Config struct {
	// Concurrency bounds simultaneous in-flight actions; each holds a
	// headless browser, so keep this small. Also used as the per-second
	// pacing rate.
	Concurrency int
	// MaxAttempts per job; 1 means no automatic retry.
	MaxAttempts int
}

// Worker pulls jobs off the queue, gates them, and runs them.
type Worker struct {
	queue    *queue.Queue
	store    *store.Store
	cipher   *crypto.Envelope
	assigner *proxy.Assigner
	counters *quota.Counters
	ledger   *ledger.Ledger
	settings SettingsSource
	actions  map[models.ActionKind]Action

	sem         *semaphore.Weighted
	pacer       *rate.Limiter
	maxAttempts int
	now         func() time.Time
	log         *zap.Logger
}

func New(cfg Config, q *queue.Queue, st *store.Store, cipher *crypto.Envelope,
	assigner *proxy.Assigner, counters *quota.Counters, lg *ledger.Ledger,
	settings SettingsSource, log *zap.Logger) *Worker {

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		queue:       q,
		store:       st,
		cipher:      cipher,
		assigner:    assigner,
		counters:    counters,
		ledger:      lg,
		settings:    settings,
		actions:     make(map[models.ActionKind]Action),
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		pacer:       ratelimit.NewPacer(cfg.Concurrency),
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
		log:         log,
	}
}

// Register wires an action implementation for a kind.
func (w *Worker) Register(kind models.ActionKind, a Action) {
	w.actions[kind] = a
}

// SetClock overrides the worker clock; tests use this.
func (w *Worker) SetClock(now func() time.Time) {
	w.now = now
}

// Run processes jobs until ctx is cancelled. Concurrency is bounded by the
// semaphore and outbound rate by the pacer, so one slow job cannot starve
// others beyond the configured bound.
func (w *Worker) Run(ctx context.Context) error {
	for {
		raw, err := w.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if err := w.pacer.Wait(ctx); err != nil {
			return err
		}
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(raw []byte) {
			defer w.sem.Release(1)
			if err := w.Process(ctx, raw); err != nil {
				w.log.Warn("job failed", zap.Error(err))
			}
		}(raw)
	}
}

// Process handles one dequeued job through the full state machine:
// received → (gated?) → [deferred | executing] → (success | failed).
func (w *Worker) Process(ctx context.Context, raw []byte) error {
	var job models.ActionJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return fmt.Errorf("worker: malformed job: %w", err)
	}

	settings, err := w.settings.Settings(ctx, job.UserID)
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("worker: account settings: %w", err))
	}

	if !job.TestRun {
		deferred, err := w.gate(ctx, job, raw, settings)
		if err != nil {
			return w.fail(ctx, job, err)
		}
		if deferred {
			return nil
		}
	}

	if err := w.execute(ctx, job, settings); err != nil {
		if job.Attempts+1 < w.maxAttempts {
			return w.retry(ctx, job, err)
		}
		return w.fail(ctx, job, err)
	}
	return nil
}

// gate applies working-window and daily-quota checks. It returns true when
// the job was deferred into the future instead of executing now.
func (w *Worker) gate(ctx context.Context, job models.ActionJob, raw []byte, settings *AccountSettings) (bool, error) {
	loc, err := settings.Window.Location()
	if err != nil {
		return false, err
	}
	now := w.now().In(loc)

	if !settings.Window.Contains(now) {
		next, ok := settings.Window.NextStart(now)
		if !ok {
			return false, ErrNoWindow
		}
		return true, w.deferJob(ctx, job, raw, next.Sub(now), "outside working window")
	}

	limit, limited := settings.DailyLimit[job.Type]
	if !limited || limit <= 0 {
		return false, nil
	}
	used, err := w.counters.Get(ctx, job.UserID, string(job.Type), quota.DayKey(now))
	if err != nil {
		return false, err
	}
	if used < int64(limit) {
		return false, nil
	}

	next, ok := settings.Window.NextStart(now)
	if !ok {
		return false, ErrDailyLimit
	}
	return true, w.deferJob(ctx, job, raw, next.Sub(now), "daily quota exhausted")
}

// deferJob re-inserts the original payload bytes with a future delay. The
// sorted-set queue moves the member, so the job leaves its original position
// and can never double-deliver.
func (w *Worker) deferJob(ctx context.Context, job models.ActionJob, raw []byte, delay time.Duration, reason string) error {
	if delay < minDeferDelay {
		delay = minDeferDelay
	}
	if err := w.queue.Enqueue(ctx, raw, delay); err != nil {
		return fmt.Errorf("worker: defer: %w", err)
	}
	w.log.Info("job deferred",
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("reason", reason),
		zap.Duration("delay", delay))
	return nil
}

func (w *Worker) execute(ctx context.Context, job models.ActionJob, settings *AccountSettings) error {
	sess, err := w.store.GetSession(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if sess.Status != models.SessionActive || sess.EncryptedCookies == nil {
		return fmt.Errorf("%w: session %s is %s", ErrSessionUnavailable, job.SessionID, sess.Status)
	}

	plain, err := w.cipher.Decrypt(*sess.EncryptedCookies)
	if err != nil {
		return fmt.Errorf("worker: decrypt session: %w", err)
	}
	cookies, err := harvest.DecodeCookies(plain)
	if err != nil {
		return err
	}

	proxyURL, err := w.assigner.Assign(ctx, job.UserID)
	if err != nil {
		return err
	}

	action, ok := w.actions[job.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, job.Type)
	}

	if err := action.Execute(ctx, ActionRequest{Job: job, Cookies: cookies, ProxyURL: proxyURL}); err != nil {
		return err
	}

	w.settle(ctx, job, settings)
	return nil
}

// settle records the side effects of a successful execution. The action
// already ran against the platform, so bookkeeping failures are logged, not
// propagated.
func (w *Worker) settle(ctx context.Context, job models.ActionJob, settings *AccountSettings) {
	if cost := settings.CreditCost[job.Type]; cost > 0 {
		desc := fmt.Sprintf("%s via session %s", job.Type, job.SessionID)
		if err := w.ledger.Deduct(ctx, job.UserID, cost, string(job.Type), desc); err != nil {
			w.log.Warn("credit deduction failed after successful action", zap.Error(err))
		}
	}

	loc, err := settings.Window.Location()
	if err != nil {
		loc = time.UTC
	}
	day := quota.DayKey(w.now().In(loc))
	if _, err := w.counters.Incr(ctx, job.UserID, string(job.Type), day); err != nil {
		w.log.Warn("quota counter increment failed", zap.Error(err))
	}

	note := fmt.Sprintf("automated %s completed", job.Type)
	if err := w.store.AddActivityNote(ctx, job.UserID, job.SessionID, note); err != nil {
		w.log.Warn("activity note write failed", zap.Error(err))
	}

	if job.TestRun && job.LogID != "" {
		if err := w.store.SetActionLogStatus(ctx, job.LogID, models.ActionLogSuccess, ""); err != nil {
			w.log.Warn("log row update failed", zap.Error(err))
		}
	}

	w.log.Info("action executed",
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("kind", string(job.Type)))
}

// retry re-enqueues a failed job with a bumped attempt count. Only reachable
// when MaxAttempts > 1.
func (w *Worker) retry(ctx context.Context, job models.ActionJob, cause error) error {
	job.Attempts++
	raw, err := json.Marshal(job)
	if err != nil {
		return w.fail(ctx, job, cause)
	}
	w.log.Warn("job attempt failed, retrying",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Error(cause))
	return w.queue.Enqueue(ctx, raw, minDeferDelay)
}

// fail is the registered failure hook: whatever the cause, a job that carries
// a log row gets its terminal status recorded there.
func (w *Worker) fail(ctx context.Context, job models.ActionJob, cause error) error {
	if job.LogID != "" {
		if err := w.store.SetActionLogStatus(ctx, job.LogID, models.ActionLogFailed, cause.Error()); err != nil {
			w.log.Warn("failure log update failed", zap.Error(err))
		}
	}
	return cause
}
