package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"repub/internal/domain"
	"repub/internal/eventbus"
	"repub/internal/queue"
	"repub/internal/store"
	logx "repub/pkg/logx"
)

type fixture struct {
	st store.Store
	q  *queue.Queue
	s  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "repub.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	q := queue.New(32)
	s := New(Config{Enabled: true, TickInterval: time.Second, BatchLimit: 10}, st, q, eventbus.New(), logx.Nop())
	return &fixture{st: st, q: q, s: s}
}

func (f *fixture) seed(t *testing.T, active bool, next time.Time) (domain.Account, domain.Ad, domain.Schedule) {
	t.Helper()
	ctx := context.Background()
	a := domain.Account{Email: "seller@example.com", Credential: "p", CaptchaMethod: domain.CaptchaAPI, IsActive: active}
	if err := f.st.CreateAccount(ctx, &a); err != nil {
		t.Fatalf("account: %v", err)
	}
	ad := domain.Ad{AccountID: a.ID, Title: "Bici", Description: "d", Province: "Madrid", Category: "motor", Subcategory: "bicis"}
	if err := f.st.CreateAd(ctx, &ad); err != nil {
		t.Fatalf("ad: %v", err)
	}
	sc := domain.Schedule{AdID: ad.ID, IntervalHours: 24, NextRunAt: next, IsActive: true}
	if err := f.st.CreateSchedule(ctx, &sc); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return a, ad, sc
}

func TestTickQueuesDueSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	a, ad, sc := f.seed(t, true, now.Add(-time.Minute))

	n, err := f.s.Tick(ctx, now)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("queued = %d", n)
	}

	job, err := f.q.Pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if job.ScheduleID != sc.ID || job.AdID != ad.ID || job.AccountID != a.ID {
		t.Fatalf("job wiring wrong: %+v", job)
	}
	if job.Ad.Title != "Bici" {
		t.Fatal("ad snapshot missing")
	}
	if job.DueAt.Sub(sc.NextRunAt).Abs() > time.Second {
		t.Fatalf("due at mismatch: %v vs %v", job.DueAt, sc.NextRunAt)
	}

	got, _ := f.st.Schedule(ctx, sc.ID)
	if got.State != domain.ScheduleQueued {
		t.Fatalf("state = %s", got.State)
	}
}

func TestTickDoesNotDoubleQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	f.seed(t, true, now.Add(-time.Minute))

	if n, _ := f.s.Tick(ctx, now); n != 1 {
		t.Fatalf("first tick queued %d", n)
	}
	// The schedule is now queued and must not be claimed again.
	if n, _ := f.s.Tick(ctx, now); n != 0 {
		t.Fatalf("second tick queued %d", n)
	}
	if f.q.Len() != 1 {
		t.Fatalf("queue len = %d", f.q.Len())
	}
}

func TestTickSkipsFutureSchedules(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.seed(t, true, now.Add(time.Hour))

	if n, _ := f.s.Tick(context.Background(), now); n != 0 {
		t.Fatalf("queued %d", n)
	}
}

func TestTickSkipsInactiveAccountSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	_, _, sc := f.seed(t, false, now.Add(-time.Minute))

	if n, _ := f.s.Tick(ctx, now); n != 0 {
		t.Fatalf("queued %d", n)
	}
	// Deactivation only stops enqueueing. The schedule stays idle at its
	// due time; reactivating the account is enough to resume.
	got, _ := f.st.Schedule(ctx, sc.ID)
	if got.State != domain.ScheduleIdle {
		t.Fatalf("state = %s", got.State)
	}
	if got.NextRunAt.Sub(sc.NextRunAt).Abs() > time.Second {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, sc.NextRunAt)
	}
	if got.ConsecutiveFailures != 0 {
		t.Fatalf("failures = %d", got.ConsecutiveFailures)
	}
	if f.q.Len() != 0 {
		t.Fatal("nothing should be queued")
	}
}

func TestTickUnclaimsWhenQueueFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	// Capacity 0 is coerced to the default, so fill a tiny queue instead.
	f.s.q = queue.New(1)
	if err := f.s.q.Push(domain.Job{ID: "j0", ScheduleID: "other", AccountID: "other"}); err != nil {
		t.Fatalf("prefill: %v", err)
	}

	_, _, sc := f.seed(t, true, now.Add(-time.Minute))
	if n, _ := f.s.Tick(ctx, now); n != 0 {
		t.Fatalf("queued %d", n)
	}

	// Schedule went back to idle with its due time intact, so a later tick
	// can pick it up again.
	got, _ := f.st.Schedule(ctx, sc.ID)
	if got.State != domain.ScheduleIdle {
		t.Fatalf("state = %s", got.State)
	}
	if got.NextRunAt.Sub(sc.NextRunAt).Abs() > time.Second {
		t.Fatalf("due time moved: %v vs %v", got.NextRunAt, sc.NextRunAt)
	}
}

func TestNextRunAnchorsOnDueTime(t *testing.T) {
	due := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := due.Add(7 * time.Minute) // cycle took a while

	next := NextRun("", time.Hour, due, now, time.UTC)
	want := due.Add(time.Hour)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunNoDriftOverManyCycles(t *testing.T) {
	due := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	interval := time.Hour

	for i := 0; i < 24; i++ {
		// Each cycle completes a few minutes after its due time.
		now := due.Add(4 * time.Minute)
		due = NextRun("", interval, due, now, time.UTC)
	}
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if !due.Equal(want) {
		t.Fatalf("after 24 cycles next = %v, want %v", due, want)
	}
}

func TestNextRunFallsForwardAfterLongGap(t *testing.T) {
	due := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	now := due.Add(5*time.Hour + 20*time.Minute) // process was down

	next := NextRun("", time.Hour, due, now, time.UTC)
	want := due.Add(6 * time.Hour)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if !next.After(now) {
		t.Fatal("next must be in the future")
	}
}

func TestNextRunCronSpec(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	next := NextRun("0 12 * * *", time.Hour, now.Add(-time.Hour), now, time.UTC)
	want := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestValidateCronSpec(t *testing.T) {
	if err := ValidateCronSpec("0 12 * * *"); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
	if err := ValidateCronSpec("not a spec"); err == nil {
		t.Fatal("invalid spec accepted")
	}
}

func TestStartRecoversInterrupted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	_, _, sc := f.seed(t, true, now.Add(time.Hour))
	if ok, _ := f.st.ClaimSchedule(ctx, sc.ID, sc.Version); !ok {
		t.Fatal("claim")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := f.s.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.s.Stop(ctx)

	got, _ := f.st.Schedule(ctx, sc.ID)
	if got.State != domain.ScheduleIdle {
		t.Fatalf("state = %s", got.State)
	}
	if got.NextRunAt.After(time.Now().Add(time.Second)) {
		t.Fatalf("next_run_at not reset: %v", got.NextRunAt)
	}
}
