package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"repub/internal/domain"
)

func job(schedule, account string, enqueued time.Time) domain.Job {
	return domain.Job{
		ID:         schedule + "-job",
		ScheduleID: schedule,
		AccountID:  account,
		EnqueuedAt: enqueued,
		DueAt:      enqueued,
	}
}

func popWithin(t *testing.T, q *Queue, d time.Duration) domain.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	j, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	return j
}

func TestPopOrdersByReadiness(t *testing.T) {
	q := New(8)
	now := time.Now()

	a := job("s1", "acc1", now)
	b := job("s2", "acc2", now.Add(-time.Hour))
	if err := q.Push(a); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(b); err != nil {
		t.Fatalf("push: %v", err)
	}

	// Both immediately ready; the earlier enqueue wins ties by enqueue time.
	first := popWithin(t, q, time.Second)
	if first.ScheduleID != "s2" {
		t.Fatalf("expected s2 first, got %s", first.ScheduleID)
	}
	second := popWithin(t, q, time.Second)
	if second.ScheduleID != "s1" {
		t.Fatalf("expected s1 second, got %s", second.ScheduleID)
	}
}

func TestPushDuplicateSchedule(t *testing.T) {
	q := New(8)
	now := time.Now()
	if err := q.Push(job("s1", "acc1", now)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(job("s1", "acc1", now)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestPushLeasedScheduleIsDuplicate(t *testing.T) {
	q := New(8)
	now := time.Now()
	ctx := context.Background()

	if err := q.Push(job("s1", "acc1", now)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := q.Pop(ctx); err != nil {
		t.Fatalf("pop: %v", err)
	}
	// The job left the items list but a worker holds it; pushing the same
	// schedule again would run the cycle twice.
	if err := q.Push(job("s1", "acc1", now)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// A different schedule on the same account may queue; it just waits for
	// the lease.
	if err := q.Push(job("s2", "acc1", now)); err != nil {
		t.Fatalf("push other schedule: %v", err)
	}
	q.Release("acc1")
	if got, err := q.Pop(ctx); err != nil || got.ScheduleID != "s2" {
		t.Fatalf("pop after release: %v %v", got, err)
	}
}

func TestPushFull(t *testing.T) {
	q := New(1)
	now := time.Now()
	if err := q.Push(job("s1", "acc1", now)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(job("s2", "acc2", now)); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestNotBeforeGatesPop(t *testing.T) {
	q := New(8)
	now := time.Now()

	j := job("s1", "acc1", now)
	j.NotBefore = now.Add(time.Hour)
	if err := q.Push(j); err != nil {
		t.Fatalf("push: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("gated job must not pop, got %v", err)
	}

	// Wake lifts the gate.
	if !q.Wake("s1") {
		t.Fatal("wake should find the job")
	}
	got := popWithin(t, q, time.Second)
	if got.ScheduleID != "s1" {
		t.Fatalf("got %s", got.ScheduleID)
	}
}

func TestPopWaitsForShortGate(t *testing.T) {
	q := New(8)
	now := time.Now()

	j := job("s1", "acc1", now)
	j.NotBefore = now.Add(60 * time.Millisecond)
	if err := q.Push(j); err != nil {
		t.Fatalf("push: %v", err)
	}

	start := time.Now()
	got := popWithin(t, q, time.Second)
	if got.ScheduleID != "s1" {
		t.Fatalf("got %s", got.ScheduleID)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("pop returned before the gate opened")
	}
}

func TestAccountSingleFlight(t *testing.T) {
	q := New(8)
	now := time.Now()

	if err := q.Push(job("s1", "acc1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(job("s2", "acc1", now)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(job("s3", "acc2", now)); err != nil {
		t.Fatalf("push: %v", err)
	}

	first := popWithin(t, q, time.Second)
	if first.ScheduleID != "s1" {
		t.Fatalf("expected s1, got %s", first.ScheduleID)
	}

	// acc1 is leased: the next pop must skip s2 and hand out acc2's job.
	second := popWithin(t, q, time.Second)
	if second.ScheduleID != "s3" {
		t.Fatalf("expected s3 while acc1 is leased, got %s", second.ScheduleID)
	}

	// With both accounts leased, nothing is eligible.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	q.Release("acc1")
	third := popWithin(t, q, time.Second)
	if third.ScheduleID != "s2" {
		t.Fatalf("expected s2 after release, got %s", third.ScheduleID)
	}
}

func TestReleaseUnblocksWaitingPop(t *testing.T) {
	q := New(8)
	now := time.Now()

	if err := q.Push(job("s1", "acc1", now)); err != nil {
		t.Fatalf("push: %v", err)
	}
	_ = popWithin(t, q, time.Second)
	if err := q.Push(job("s2", "acc1", now)); err != nil {
		t.Fatalf("push: %v", err)
	}

	done := make(chan domain.Job, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		j, err := q.Pop(ctx)
		if err == nil {
			done <- j
		}
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	q.Release("acc1")

	select {
	case j, ok := <-done:
		if !ok {
			t.Fatal("pop failed after release")
		}
		if j.ScheduleID != "s2" {
			t.Fatalf("got %s", j.ScheduleID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not observe the release")
	}
}

func TestRequeueAfterAndRemove(t *testing.T) {
	q := New(8)
	now := time.Now()

	if err := q.Push(job("s1", "acc1", now)); err != nil {
		t.Fatalf("push: %v", err)
	}
	j := popWithin(t, q, time.Second)
	q.Release(j.AccountID)

	if err := q.RequeueAfter(j, now.Add(time.Hour)); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d", q.Len())
	}

	if !q.Remove("s1") {
		t.Fatal("remove should find the job")
	}
	if q.Remove("s1") {
		t.Fatal("second remove should find nothing")
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d", q.Len())
	}
}

func TestSnapshotSortedByReadiness(t *testing.T) {
	q := New(8)
	now := time.Now()

	a := job("s1", "acc1", now)
	a.NotBefore = now.Add(2 * time.Hour)
	b := job("s2", "acc2", now)
	b.NotBefore = now.Add(time.Hour)
	if err := q.Push(a); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(b); err != nil {
		t.Fatalf("push: %v", err)
	}

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].ScheduleID != "s2" || snap[1].ScheduleID != "s1" {
		t.Fatalf("snapshot order wrong: %+v", snap)
	}
}
