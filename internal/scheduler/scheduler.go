// Package scheduler turns due schedules into queued publication jobs.
//
// It is trigger-only: it never talks to the site. Each tick it asks the
// store for due schedules, claims them one by one with a compare-and-swap
// on the schedule version, snapshots the ad into a job and hands the job
// to the queue. A claim that loses the swap is silently skipped; whoever
// won has already queued the work.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"repub/internal/domain"
	"repub/internal/eventbus"
	"repub/internal/queue"
	rtsup "repub/internal/runtime/supervisor"
	"repub/internal/store"
	logx "repub/pkg/logx"
)

// Config controls the tick loop.
type Config struct {
	Enabled      bool
	TickInterval time.Duration
	BatchLimit   int
	Timezone     string
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	st  store.Store
	q   *queue.Queue
	bus eventbus.Bus
	log logx.Logger
	sup *rtsup.Supervisor
	now func() time.Time
}

func New(cfg Config, st store.Store, q *queue.Queue, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg: cfg,
		st:  st,
		q:   q,
		bus: bus,
		log: log,
		now: time.Now,
	}
	s.loc = loadLocation(cfg.Timezone, log)
	return s
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("unknown timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Apply installs new settings. Tick interval changes take effect on the
// next loop iteration; a timezone change affects future cron evaluation.
func (s *Service) Apply(cfg Config) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	s.mu.Lock()
	if strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone) {
		s.loc = loadLocation(cfg.Timezone, s.log)
	}
	s.cfg = cfg
	s.mu.Unlock()
}

// Location returns the timezone cron specs are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Start resets schedules interrupted by a previous shutdown, then runs the
// tick loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	n, err := s.st.ResetInterrupted(ctx, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("recovered interrupted schedules", logx.Int("count", n))
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("tick_loop", func(c context.Context) error {
		s.loop(c)
		return nil
	},
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)
	s.log.Info("scheduler started", logx.Duration("tick", s.tickInterval()))
	return nil
}

// Stop halts the tick loop, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if s.sup == nil {
		return
	}
	s.sup.Cancel()
	_ = s.sup.Wait(ctx)
	s.sup = nil
	s.log.Info("scheduler stopped")
}

func (s *Service) tickInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.TickInterval
}

func (s *Service) enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) batchLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.BatchLimit
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()
	last := s.tickInterval()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if cur := s.tickInterval(); cur != last {
			ticker.Reset(cur)
			last = cur
		}
		if !s.enabled() {
			continue
		}
		if _, err := s.Tick(ctx, s.now()); err != nil {
			s.log.Warn("tick failed", logx.Err(err))
		}
	}
}

// Tick claims everything due at now and queues a job per claim. It returns
// the number of jobs queued. Exported so tests and the ops surface can run
// a scan without waiting for the ticker.
func (s *Service) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.st.DueSchedules(ctx, now, s.batchLimit())
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, sc := range due {
		select {
		case <-ctx.Done():
			return queued, ctx.Err()
		default:
		}
		if s.enqueueOne(ctx, sc, now) {
			queued++
		}
	}
	if queued > 0 {
		s.log.Debug("tick queued jobs", logx.Int("count", queued), logx.Int("due", len(due)))
	}
	return queued, nil
}

func (s *Service) enqueueOne(ctx context.Context, sc domain.Schedule, now time.Time) bool {
	won, err := s.st.ClaimSchedule(ctx, sc.ID, sc.Version)
	if err != nil {
		s.log.Warn("claim failed", logx.String("schedule", sc.ID), logx.Err(err))
		return false
	}
	if !won {
		return false
	}

	ad, err := s.st.Ad(ctx, sc.AdID)
	if err != nil {
		s.log.Error("claimed schedule has no ad, pausing", logx.String("schedule", sc.ID), logx.Err(err))
		s.pauseBroken(ctx, sc)
		return false
	}
	account, err := s.st.Account(ctx, ad.AccountID)
	if err != nil {
		s.log.Error("claimed schedule has no account, pausing", logx.String("schedule", sc.ID), logx.Err(err))
		s.pauseBroken(ctx, sc)
		return false
	}
	if !account.IsActive {
		// Not an error: the schedule stays idle at its due time and resumes
		// the moment the account is reactivated.
		s.log.Debug("account inactive, skipping schedule",
			logx.String("schedule", sc.ID), logx.String("account", account.Email))
		if cerr := s.st.CompleteSchedule(ctx, sc.ID, sc.NextRunAt, false); cerr != nil {
			s.log.Error("failed to unclaim schedule", logx.String("schedule", sc.ID), logx.Err(cerr))
		}
		return false
	}

	job := domain.Job{
		ID:         uuid.NewString(),
		ScheduleID: sc.ID,
		AdID:       ad.ID,
		AccountID:  account.ID,
		Ad:         ad,
		Interval:   time.Duration(sc.IntervalHours) * time.Hour,
		CronSpec:   sc.CronSpec,
		EnqueuedAt: now,
		DueAt:      sc.NextRunAt,
	}
	if err := s.q.Push(job); err != nil {
		// Put the schedule back so a later tick retries; the due time is
		// unchanged on purpose.
		s.log.Warn("queue rejected job", logx.String("schedule", sc.ID), logx.Err(err))
		if cerr := s.st.CompleteSchedule(ctx, sc.ID, sc.NextRunAt, false); cerr != nil {
			s.log.Error("failed to unclaim schedule", logx.String("schedule", sc.ID), logx.Err(cerr))
		}
		return false
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleEnqueued, Time: now, Data: eventbus.OutcomeEvent{
			JobID:      job.ID,
			ScheduleID: sc.ID,
			AdID:       ad.ID,
			AccountID:  account.ID,
		}})
	}
	return true
}

func (s *Service) pauseBroken(ctx context.Context, sc domain.Schedule) {
	if err := s.st.RequestPause(ctx, sc.ID); err != nil {
		s.log.Error("pause failed", logx.String("schedule", sc.ID), logx.Err(err))
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulePaused, Time: s.now(), Data: eventbus.OutcomeEvent{
			ScheduleID: sc.ID,
			AdID:       sc.AdID,
		}})
	}
}

// specParser accepts standard 5-field cron specs plus @descriptors.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCronSpec reports whether a cron spec is acceptable for a schedule.
func ValidateCronSpec(spec string) error {
	_, err := specParser.Parse(spec)
	return err
}

// NextRun computes when a schedule should fire again after a cycle whose
// due time was dueAt.
//
// With a cron spec, the next firing after now in loc wins. Otherwise the
// interval is anchored on dueAt, not on completion time, so slow cycles do
// not push the cadence later and later; if enough time passed that the
// anchored time is already in the past, it falls forward by whole
// intervals until it is in the future.
func NextRun(cronSpec string, interval time.Duration, dueAt, now time.Time, loc *time.Location) time.Time {
	if spec := strings.TrimSpace(cronSpec); spec != "" {
		if sched, err := specParser.Parse(spec); err == nil {
			if loc == nil {
				loc = time.Local
			}
			return sched.Next(now.In(loc))
		}
	}
	if interval <= 0 {
		interval = time.Hour
	}
	next := dueAt.Add(interval)
	if next.After(now) {
		return next
	}
	behind := now.Sub(dueAt)
	steps := behind/interval + 1
	return dueAt.Add(time.Duration(steps) * interval)
}
