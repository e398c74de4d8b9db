package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"repub/internal/domain"
	logx "repub/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "repub.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedAccount(t *testing.T, st Store, method domain.CaptchaMethod) domain.Account {
	t.Helper()
	a := domain.Account{
		Email:         "seller@example.com",
		Credential:    "hunter2",
		CaptchaMethod: method,
		IsActive:      true,
	}
	if err := st.CreateAccount(context.Background(), &a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func seedAd(t *testing.T, st Store, accountID string) domain.Ad {
	t.Helper()
	ad := domain.Ad{
		AccountID:   accountID,
		Title:       "Bici de montana",
		Description: "Poco uso, cambio por motivo de mudanza.",
		Province:    "Madrid",
		Category:    "motor",
		Subcategory: "bicicletas",
		Zone:        "Centro",
		Price:       120,
		Images:      []string{"a.jpg", "b.jpg"},
	}
	if err := st.CreateAd(context.Background(), &ad); err != nil {
		t.Fatalf("create ad: %v", err)
	}
	return ad
}

func seedSchedule(t *testing.T, st Store, adID string, next time.Time) domain.Schedule {
	t.Helper()
	sc := domain.Schedule{
		AdID:          adID,
		IntervalHours: 24,
		NextRunAt:     next,
		IsActive:      true,
	}
	if err := st.CreateSchedule(context.Background(), &sc); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return sc
}

func TestAccountRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, st, domain.CaptchaAPI)
	got, err := st.Account(ctx, a.ID)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if got.Email != a.Email || got.CaptchaMethod != domain.CaptchaAPI || !got.IsActive {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.BannedUntil != nil {
		t.Fatalf("expected nil banned_until, got %v", got.BannedUntil)
	}

	if _, err := st.Account(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAccountRejectsUnknownMethod(t *testing.T) {
	st := openTestStore(t)
	a := domain.Account{Email: "x@example.com", Credential: "p", CaptchaMethod: "telepathy"}
	if err := st.CreateAccount(context.Background(), &a); err == nil {
		t.Fatal("expected error for unknown captcha method")
	}
}

func TestBanAccountDeactivates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, st, domain.CaptchaManual)
	until := time.Now().Add(48 * time.Hour)
	if err := st.BanAccount(ctx, a.ID, until); err != nil {
		t.Fatalf("ban: %v", err)
	}
	got, err := st.Account(ctx, a.ID)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if got.IsActive {
		t.Fatal("banned account should be inactive")
	}
	if got.BannedUntil == nil || got.BannedUntil.Sub(until).Abs() > time.Second {
		t.Fatalf("banned_until mismatch: %v", got.BannedUntil)
	}
}

func TestDeleteAccountReferenced(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, st, domain.CaptchaAPI)
	ad := seedAd(t, st, a.ID)
	seedSchedule(t, st, ad.ID, time.Now())

	if err := st.DeleteAccount(ctx, a.ID); !errors.Is(err, ErrAccountReferenced) {
		t.Fatalf("expected ErrAccountReferenced, got %v", err)
	}
}

func TestAdImagesRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, st, domain.CaptchaAPI)
	ad := seedAd(t, st, a.ID)

	got, err := st.Ad(ctx, ad.ID)
	if err != nil {
		t.Fatalf("ad: %v", err)
	}
	if len(got.Images) != 2 || got.Images[0] != "a.jpg" {
		t.Fatalf("images mismatch: %v", got.Images)
	}
	if got.PublishState != domain.PublishNever {
		t.Fatalf("expected never, got %s", got.PublishState)
	}

	at := time.Now()
	if err := st.MarkAdPublished(ctx, ad.ID, at); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	got, _ = st.Ad(ctx, ad.ID)
	if got.PublishState != domain.PublishPublished || got.LastPublishedAt == nil {
		t.Fatalf("publish state not recorded: %+v", got)
	}
}

func TestDueSchedulesOrderingAndFilter(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a := seedAccount(t, st, domain.CaptchaAPI)
	late := seedSchedule(t, st, seedAd(t, st, a.ID).ID, now.Add(-time.Minute))
	early := seedSchedule(t, st, seedAd(t, st, a.ID).ID, now.Add(-time.Hour))
	future := seedSchedule(t, st, seedAd(t, st, a.ID).ID, now.Add(time.Hour))
	paused := seedSchedule(t, st, seedAd(t, st, a.ID).ID, now.Add(-time.Hour))
	if err := st.RequestPause(ctx, paused.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	due, err := st.DueSchedules(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due schedules, got %d", len(due))
	}
	if due[0].ID != early.ID || due[1].ID != late.ID {
		t.Fatalf("wrong order: %s then %s", due[0].ID, due[1].ID)
	}
	_ = future
}

func TestClaimScheduleIsSingleWinner(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, st, domain.CaptchaAPI)
	sc := seedSchedule(t, st, seedAd(t, st, a.ID).ID, time.Now())

	ok, err := st.ClaimSchedule(ctx, sc.ID, sc.Version)
	if err != nil || !ok {
		t.Fatalf("first claim should win: ok=%v err=%v", ok, err)
	}
	// Same stale version loses.
	ok, err = st.ClaimSchedule(ctx, sc.ID, sc.Version)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("stale claim must not win")
	}

	got, err := st.Schedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got.State != domain.ScheduleQueued {
		t.Fatalf("expected queued, got %s", got.State)
	}
	if got.Version != sc.Version+1 {
		t.Fatalf("version not bumped: %d", got.Version)
	}
}

func TestCompleteScheduleResetsFailures(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, st, domain.CaptchaAPI)
	sc := seedSchedule(t, st, seedAd(t, st, a.ID).ID, time.Now())

	if _, _, err := st.FailScheduleCycle(ctx, sc.ID, time.Now().Add(time.Hour), 3); err != nil {
		t.Fatalf("fail cycle: %v", err)
	}

	next := time.Now().Add(24 * time.Hour)
	if err := st.CompleteSchedule(ctx, sc.ID, next, true); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := st.Schedule(ctx, sc.ID)
	if got.State != domain.ScheduleIdle || got.ConsecutiveFailures != 0 {
		t.Fatalf("expected idle with zero failures, got %+v", got)
	}
	if got.NextRunAt.Sub(next).Abs() > time.Second {
		t.Fatalf("next_run_at mismatch: %v vs %v", got.NextRunAt, next)
	}
}

func TestFailScheduleCyclePausesAtThreshold(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, st, domain.CaptchaAPI)
	sc := seedSchedule(t, st, seedAd(t, st, a.ID).ID, time.Now())
	next := time.Now().Add(time.Hour)

	for i := 1; i <= 3; i++ {
		fails, paused, err := st.FailScheduleCycle(ctx, sc.ID, next, 3)
		if err != nil {
			t.Fatalf("fail cycle %d: %v", i, err)
		}
		if fails != i {
			t.Fatalf("cycle %d: failure count %d", i, fails)
		}
		if paused != (i == 3) {
			t.Fatalf("cycle %d: paused=%v", i, paused)
		}
	}

	got, _ := st.Schedule(ctx, sc.ID)
	if got.State != domain.SchedulePaused {
		t.Fatalf("expected paused, got %s", got.State)
	}

	// Paused schedules never surface as due.
	due, err := st.DueSchedules(ctx, next.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("paused schedule is due: %+v", due)
	}
}

func TestReactivateClearsPause(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, st, domain.CaptchaAPI)
	sc := seedSchedule(t, st, seedAd(t, st, a.ID).ID, time.Now())
	if err := st.RequestPause(ctx, sc.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	now := time.Now()
	if err := st.Reactivate(ctx, sc.ID, now); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	got, _ := st.Schedule(ctx, sc.ID)
	if got.State != domain.ScheduleIdle || got.ConsecutiveFailures != 0 || !got.IsActive {
		t.Fatalf("reactivate did not reset: %+v", got)
	}
}

func TestResetInterrupted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, st, domain.CaptchaAPI)
	queued := seedSchedule(t, st, seedAd(t, st, a.ID).ID, time.Now())
	publishing := seedSchedule(t, st, seedAd(t, st, a.ID).ID, time.Now())
	idle := seedSchedule(t, st, seedAd(t, st, a.ID).ID, time.Now().Add(time.Hour))

	if ok, _ := st.ClaimSchedule(ctx, queued.ID, queued.Version); !ok {
		t.Fatal("claim queued")
	}
	if ok, _ := st.ClaimSchedule(ctx, publishing.ID, publishing.Version); !ok {
		t.Fatal("claim publishing")
	}
	if err := st.MarkSchedulePublishing(ctx, publishing.ID); err != nil {
		t.Fatalf("mark publishing: %v", err)
	}

	now := time.Now()
	n, err := st.ResetInterrupted(ctx, now)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 resets, got %d", n)
	}

	for _, id := range []string{queued.ID, publishing.ID} {
		got, _ := st.Schedule(ctx, id)
		if got.State != domain.ScheduleIdle {
			t.Fatalf("schedule %s not idle: %s", id, got.State)
		}
		if got.NextRunAt.After(now.Add(time.Second)) {
			t.Fatalf("next_run_at not reset to now: %v", got.NextRunAt)
		}
	}

	got, _ := st.Schedule(ctx, idle.ID)
	if got.NextRunAt.Before(now) {
		t.Fatal("idle schedule must keep its next_run_at")
	}
}
