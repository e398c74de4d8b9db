// Package publisher drains the job queue and performs the actual
// republication: acquire a session, solve whatever captcha the site throws
// up, submit the ad, and record the outcome on the schedule.
package publisher

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"repub/internal/captcha"
	"repub/internal/domain"
	"repub/internal/eventbus"
	"repub/internal/faults"
	"repub/internal/queue"
	rtsup "repub/internal/runtime/supervisor"
	"repub/internal/scheduler"
	"repub/internal/session"
	"repub/internal/site"
	"repub/internal/store"
	logx "repub/pkg/logx"
)

// Config controls the worker pool and the retry policy.
type Config struct {
	Workers        int
	MaxAttempts    int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64
	PauseThreshold int
	PublishTimeout time.Duration
	ManualTimeout  time.Duration
	ManualRecheck  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.PauseThreshold <= 0 {
		c.PauseThreshold = 3
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 3 * time.Minute
	}
	if c.ManualTimeout <= 0 {
		c.ManualTimeout = 30 * time.Minute
	}
	if c.ManualRecheck <= 0 {
		c.ManualRecheck = 30 * time.Second
	}
}

// ChallengeDropper discards a parked challenge nobody is waiting for
// anymore. Satisfied by *inbox.Inbox.
type ChallengeDropper interface {
	Drop(challengeID string) bool
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	st       store.Store
	q        *queue.Queue
	client   site.Client
	sessions *session.Cache
	solvers  *captcha.Selector
	dropper  ChallengeDropper
	bus      eventbus.Bus
	log      logx.Logger
	sup      *rtsup.Supervisor
	loc      func() *time.Location
	now      func() time.Time
}

func New(cfg Config, st store.Store, q *queue.Queue, client site.Client, sessions *session.Cache,
	solvers *captcha.Selector, dropper ChallengeDropper, bus eventbus.Bus, loc func() *time.Location, log logx.Logger) *Service {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = func() *time.Location { return time.Local }
	}
	return &Service{
		cfg:      cfg,
		st:       st,
		q:        q,
		client:   client,
		sessions: sessions,
		solvers:  solvers,
		dropper:  dropper,
		bus:      bus,
		log:      log,
		loc:      loc,
		now:      time.Now,
	}
}

// Apply installs new retry policy settings. A change of Workers only takes
// effect after a restart of the pool.
func (s *Service) Apply(cfg Config) {
	cfg.applyDefaults()
	s.mu.Lock()
	if cfg.Workers != s.cfg.Workers {
		s.log.Warn("worker count change requires restart",
			logx.Int("current", s.cfg.Workers), logx.Int("requested", cfg.Workers))
		cfg.Workers = s.cfg.Workers
	}
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the worker pool.
func (s *Service) Start(ctx context.Context) {
	cfg := s.config()
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "publisher"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		s.sup.GoRestart("worker", func(c context.Context) error {
			s.worker(c, idx)
			return nil
		},
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}
	s.log.Info("publisher started", logx.Int("workers", cfg.Workers))
}

// Stop drains the pool, bounded by ctx. Jobs caught mid-flight finish or
// are cut off by their publish timeout; the startup recovery path requeues
// whatever was interrupted.
func (s *Service) Stop(ctx context.Context) {
	if s.sup == nil {
		return
	}
	s.sup.Cancel()
	_ = s.sup.Wait(ctx)
	s.sup = nil
	s.log.Info("publisher stopped")
}

func (s *Service) worker(ctx context.Context, idx int) {
	// Per-worker RNG keeps retry jitter free of a shared lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		job, err := s.q.Pop(ctx)
		if err != nil {
			return
		}
		s.handle(ctx, job, rng)
	}
}

func (s *Service) handle(ctx context.Context, job domain.Job, rng *rand.Rand) {
	defer s.q.Release(job.AccountID)
	cfg := s.config()
	log := s.log.With(logx.String("job", job.ID), logx.String("schedule", job.ScheduleID))

	sc, err := s.st.Schedule(ctx, job.ScheduleID)
	if err != nil {
		// Deleted since it was queued; nothing to publish, nothing to update.
		log.Info("schedule gone, dropping job", logx.Err(err))
		return
	}
	if !sc.IsActive || sc.State == domain.SchedulePaused {
		log.Info("schedule no longer active, dropping job")
		return
	}

	account, err := s.st.Account(ctx, job.AccountID)
	if err != nil {
		log.Error("account gone, pausing schedule", logx.Err(err))
		s.pause(ctx, job, "account record missing")
		return
	}
	if !account.IsActive {
		// Deactivation is not an error. The schedule goes back to idle with
		// its due time untouched, so reactivating the account is all the
		// operator has to do.
		log.Info("account inactive, skipping cycle", logx.String("account", account.Email))
		if err := s.st.CompleteSchedule(ctx, job.ScheduleID, job.DueAt, false); err != nil {
			log.Error("unclaim schedule failed", logx.Err(err))
		}
		return
	}

	if err := s.st.MarkSchedulePublishing(ctx, job.ScheduleID); err != nil {
		log.Warn("cannot mark schedule publishing, dropping job", logx.Err(err))
		return
	}

	job.Attempts++
	start := s.now()
	pubCtx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	err = s.publishOnce(pubCtx, job, account)
	cancel()

	switch {
	case err == nil:
		s.succeed(ctx, job, account, start)
	case faults.IsPending(err):
		s.park(ctx, job, cfg, log)
	case faults.IsFatal(err):
		s.failFatal(ctx, job, account, cfg, err, log)
	default:
		s.retryOrGiveUp(ctx, job, cfg, err, rng, log)
	}
}

// publishOnce runs one full attempt: session, captcha, form submit. An
// expired session gets one immediate fresh login within the same attempt.
func (s *Service) publishOnce(ctx context.Context, job domain.Job, account domain.Account) error {
	solver, err := s.solvers.ForMethod(account.CaptchaMethod)
	if err != nil {
		return faults.NotImplemented(err)
	}
	token := s.tokenFunc(job, account, solver)
	login := func(ctx context.Context) (*site.Session, error) {
		return s.client.Login(ctx, account.Email, account.Credential, token)
	}

	sess, err := s.sessions.Acquire(ctx, account.ID, login)
	if err != nil {
		return err
	}
	err = s.client.Publish(ctx, sess, job.Ad, token)
	if errors.Is(err, site.ErrSessionExpired) {
		s.sessions.Invalidate(account.ID)
		sess, err = s.sessions.Acquire(ctx, account.ID, login)
		if err != nil {
			return err
		}
		err = s.client.Publish(ctx, sess, job.Ad, token)
		if errors.Is(err, site.ErrSessionExpired) {
			s.sessions.Invalidate(account.ID)
			return faults.Transient(err)
		}
	}
	return err
}

// tokenFunc binds the job to a captcha challenge. The challenge ID is the
// job ID, so a parked job finds its answer when it comes back around.
func (s *Service) tokenFunc(job domain.Job, account domain.Account, solver captcha.Solver) site.TokenFunc {
	return func(ctx context.Context, siteKey, pageURL string) (string, error) {
		return solver.Solve(ctx, captcha.Challenge{
			ID:           job.ID,
			AccountID:    account.ID,
			AccountEmail: account.Email,
			ScheduleID:   job.ScheduleID,
			AdTitle:      job.Ad.Title,
			SiteKey:      siteKey,
			PageURL:      pageURL,
			CreatedAt:    s.now(),
		})
	}
}

func (s *Service) succeed(ctx context.Context, job domain.Job, account domain.Account, start time.Time) {
	now := s.now()
	next := scheduler.NextRun(job.CronSpec, job.Interval, job.DueAt, now, s.loc())

	if err := s.st.MarkAdPublished(ctx, job.AdID, now); err != nil {
		s.log.Error("record ad publication failed", logx.String("ad", job.AdID), logx.Err(err))
	}
	if err := s.st.RecordAccountAuth(ctx, account.ID, true); err != nil {
		s.log.Error("record account auth failed", logx.String("account", account.ID), logx.Err(err))
	}
	if err := s.st.CompleteSchedule(ctx, job.ScheduleID, next, true); err != nil {
		s.log.Error("complete schedule failed", logx.String("schedule", job.ScheduleID), logx.Err(err))
		return
	}

	s.log.Info("ad republished",
		logx.String("ad", job.Ad.Title),
		logx.String("account", account.Email),
		logx.Int("attempts", job.Attempts),
		logx.Duration("dur", now.Sub(start)),
		logx.Time("next_run", next))
	s.publish(eventbus.TypePublishSucceeded, eventbus.OutcomeEvent{
		JobID: job.ID, ScheduleID: job.ScheduleID, AdID: job.AdID, AccountID: job.AccountID,
		Outcome: "succeeded", Attempts: job.Attempts, NextRunAt: next,
	})
}

// park shelves a job that is waiting on a human captcha answer. The
// attempt is not counted; waiting is not failing. If the human never
// answers within the manual window, the cycle fails like any other
// unsolved challenge.
func (s *Service) park(ctx context.Context, job domain.Job, cfg Config, log logx.Logger) {
	now := s.now()
	if now.Sub(job.EnqueuedAt) >= cfg.ManualTimeout {
		if s.dropper != nil {
			s.dropper.Drop(job.ID)
		}
		log.Warn("manual captcha unanswered, giving up on this cycle",
			logx.Duration("waited", now.Sub(job.EnqueuedAt)))
		job.Attempts = cfg.MaxAttempts
		s.failCycle(ctx, job, cfg, faults.ChallengeUnsolved(errors.New("no human answer within the manual window")))
		return
	}

	job.Attempts-- // waiting does not consume an attempt
	job.WaitingOnHuman = true
	if err := s.q.RequeueAfter(job, now.Add(cfg.ManualRecheck)); err != nil {
		log.Error("cannot park job, failing cycle", logx.Err(err))
		s.failCycle(ctx, job, cfg, faults.Transient(err))
		return
	}
	log.Info("job parked for human captcha", logx.Duration("recheck", cfg.ManualRecheck))
	s.publish(eventbus.TypePublishWaiting, eventbus.OutcomeEvent{
		JobID: job.ID, ScheduleID: job.ScheduleID, AdID: job.AdID, AccountID: job.AccountID,
		Outcome: "waiting", Attempts: job.Attempts,
	})
}

// failFatal records a non-retryable failure. Account-level causes carry
// their side effects (deactivation, ban), but the schedule itself is a
// failed cycle like any other: the counter moves and the threshold decides
// when to pause.
func (s *Service) failFatal(ctx context.Context, job domain.Job, account domain.Account, cfg Config, err error, log logx.Logger) {
	kind := faults.Classify(err)
	log.Error("publication failed fatally", logx.String("kind", kind.String()), logx.Err(err))

	switch kind {
	case faults.KindInvalidCredentials:
		if aerr := s.st.RecordAccountAuth(ctx, account.ID, false); aerr != nil {
			log.Error("record auth failure failed", logx.Err(aerr))
		}
		if aerr := s.st.SetAccountActive(ctx, account.ID, false); aerr != nil {
			log.Error("deactivate account failed", logx.Err(aerr))
		}
		s.publish(eventbus.TypeAccountDisabled, eventbus.OutcomeEvent{
			JobID: job.ID, ScheduleID: job.ScheduleID, AccountID: account.ID,
			Outcome: "failed", Error: err.Error(),
		})
	case faults.KindAccountBanned:
		if aerr := s.st.BanAccount(ctx, account.ID, s.now().Add(24*time.Hour)); aerr != nil {
			log.Error("ban account failed", logx.Err(aerr))
		}
		s.publish(eventbus.TypeAccountDisabled, eventbus.OutcomeEvent{
			JobID: job.ID, ScheduleID: job.ScheduleID, AccountID: account.ID,
			Outcome: "failed", Error: err.Error(),
		})
	}

	s.failCycle(ctx, job, cfg, err)
}

func (s *Service) retryOrGiveUp(ctx context.Context, job domain.Job, cfg Config, err error, rng *rand.Rand, log logx.Logger) {
	if job.Attempts >= cfg.MaxAttempts {
		log.Warn("attempts exhausted", logx.Int("attempts", job.Attempts), logx.Err(err))
		s.failCycle(ctx, job, cfg, err)
		return
	}

	delay := s.backoff(cfg, job.Attempts, err, rng)
	if rerr := s.q.RequeueAfter(job, s.now().Add(delay)); rerr != nil {
		log.Error("requeue failed, failing cycle", logx.Err(rerr))
		s.failCycle(ctx, job, cfg, err)
		return
	}
	log.Info("publication retry scheduled",
		logx.Int("attempt", job.Attempts+1),
		logx.Duration("delay", delay),
		logx.Err(err))
	s.publish(eventbus.TypePublishRetried, eventbus.OutcomeEvent{
		JobID: job.ID, ScheduleID: job.ScheduleID, AdID: job.AdID, AccountID: job.AccountID,
		Outcome: "retried", Attempts: job.Attempts, Error: err.Error(),
	})
}

// failCycle marks the whole cycle failed: the schedule is rescheduled for
// its next slot and pauses once the consecutive-failure threshold is hit.
func (s *Service) failCycle(ctx context.Context, job domain.Job, cfg Config, err error) {
	now := s.now()
	next := scheduler.NextRun(job.CronSpec, job.Interval, job.DueAt, now, s.loc())

	if aerr := s.st.MarkAdFailing(ctx, job.AdID); aerr != nil {
		s.log.Error("mark ad failing failed", logx.String("ad", job.AdID), logx.Err(aerr))
	}
	fails, paused, serr := s.st.FailScheduleCycle(ctx, job.ScheduleID, next, cfg.PauseThreshold)
	if serr != nil {
		s.log.Error("record cycle failure failed", logx.String("schedule", job.ScheduleID), logx.Err(serr))
		return
	}

	s.log.Warn("republish cycle failed",
		logx.String("schedule", job.ScheduleID),
		logx.Int("consecutive_failures", fails),
		logx.Bool("paused", paused),
		logx.Err(err))
	s.publish(eventbus.TypePublishFailed, eventbus.OutcomeEvent{
		JobID: job.ID, ScheduleID: job.ScheduleID, AdID: job.AdID, AccountID: job.AccountID,
		Outcome: "failed", Attempts: job.Attempts, NextRunAt: next, Error: err.Error(),
	})
	if paused {
		s.publish(eventbus.TypeSchedulePaused, eventbus.OutcomeEvent{
			JobID: job.ID, ScheduleID: job.ScheduleID, AdID: job.AdID, AccountID: job.AccountID,
			Outcome: "paused", Attempts: job.Attempts,
		})
	}
}

func (s *Service) pause(ctx context.Context, job domain.Job, reason string) {
	if err := s.st.RequestPause(ctx, job.ScheduleID); err != nil {
		s.log.Error("pause schedule failed", logx.String("schedule", job.ScheduleID), logx.Err(err))
		return
	}
	s.publish(eventbus.TypeSchedulePaused, eventbus.OutcomeEvent{
		JobID: job.ID, ScheduleID: job.ScheduleID, AdID: job.AdID, AccountID: job.AccountID,
		Outcome: "paused", Error: reason,
	})
}

func (s *Service) publish(typ string, data eventbus.OutcomeEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

// backoff is exponential on the attempt number with jitter, bounded by the
// configured cap. An explicit retry-after hint from the error wins over
// the exponential curve but still gets jitter and the cap.
func (s *Service) backoff(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	var d time.Duration
	var ra faults.RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
		if d < 0 {
			d = 0
		}
	} else {
		d = cfg.RetryBase
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > cfg.RetryMaxDelay {
				break
			}
		}
	}
	if d >= cfg.RetryMaxDelay {
		// Once the curve reaches the cap the delay stays exactly there.
		// Jittering a capped delay would let a later retry fire sooner than
		// an earlier one.
		return cfg.RetryMaxDelay
	}
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
