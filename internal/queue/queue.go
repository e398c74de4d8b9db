// Package queue holds publication jobs between the scheduler that enqueues
// them and the publisher workers that drain them.
//
// The queue enforces two rules the rest of the pipeline relies on:
//
//   - readiness gating: a job is invisible to Pop until its NotBefore time
//     has passed, which is how retry backoff and parked manual-captcha jobs
//     wait without occupying a worker;
//   - per-account single flight: at most one job per account is leased out
//     at a time, so two ads of the same account never race on one session.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"repub/internal/domain"
)

// ErrFull is returned by Push when the queue is at capacity.
var ErrFull = errors.New("job queue is full")

// ErrDuplicate is returned by Push when a job for the same schedule is
// already queued or leased.
var ErrDuplicate = errors.New("job for schedule already queued")

type item struct {
	job     domain.Job
	readyAt time.Time
}

// Queue is an in-memory job queue. The zero value is not usable; use New.
type Queue struct {
	mu       sync.Mutex
	items    []*item
	leases   map[string]string // accountID -> scheduleID holding the lease
	capacity int
	wake     chan struct{}
	now      func() time.Time
}

// New returns a queue bounded at capacity jobs (including leased ones).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		leases:   make(map[string]string),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Push enqueues a job. The job becomes eligible for Pop once its NotBefore
// has passed (immediately when NotBefore is zero). At most one job per
// schedule may be in the queue.
func (q *Queue) Push(job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return ErrFull
	}
	for _, it := range q.items {
		if it.job.ScheduleID == job.ScheduleID {
			return ErrDuplicate
		}
	}
	if q.leases[job.AccountID] == job.ScheduleID && job.ScheduleID != "" {
		// A worker is holding this schedule's job right now.
		return ErrDuplicate
	}
	if job.NotBefore.IsZero() {
		job.NotBefore = q.now()
	}
	q.items = append(q.items, &item{job: job, readyAt: job.NotBefore})
	q.signal()
	return nil
}

// Pop blocks until a job is ready and its account is not already leased,
// then leases the account and returns the job. The caller must call Release
// for the job's account when done with it, on every path.
func (q *Queue) Pop(ctx context.Context) (domain.Job, error) {
	for {
		q.mu.Lock()
		now := q.now()
		best := -1
		var nextReady time.Time
		for i, it := range q.items {
			if _, held := q.leases[it.job.AccountID]; held {
				continue
			}
			if it.readyAt.After(now) {
				if nextReady.IsZero() || it.readyAt.Before(nextReady) {
					nextReady = it.readyAt
				}
				continue
			}
			if best == -1 || earlier(it, q.items[best]) {
				best = i
			}
		}
		if best >= 0 {
			it := q.items[best]
			q.leases[it.job.AccountID] = it.job.ScheduleID
			q.items = append(q.items[:best], q.items[best+1:]...)
			q.mu.Unlock()
			return it.job, nil
		}
		q.mu.Unlock()

		var timer *time.Timer
		var due <-chan time.Time
		if !nextReady.IsZero() {
			timer = time.NewTimer(nextReady.Sub(now))
			due = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return domain.Job{}, ctx.Err()
		case <-q.wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func earlier(a, b *item) bool {
	if !a.readyAt.Equal(b.readyAt) {
		return a.readyAt.Before(b.readyAt)
	}
	return a.job.EnqueuedAt.Before(b.job.EnqueuedAt)
}

// Release returns the per-account lease taken by Pop. It is safe to call
// for an account with no active lease.
func (q *Queue) Release(accountID string) {
	q.mu.Lock()
	delete(q.leases, accountID)
	q.mu.Unlock()
	q.signal()
}

// RequeueAfter puts a job back with a new readiness time. Used for retry
// backoff and for parking jobs that wait on a human captcha answer. The
// account lease is not touched; callers release it separately.
func (q *Queue) RequeueAfter(job domain.Job, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return ErrFull
	}
	job.NotBefore = notBefore
	q.items = append(q.items, &item{job: job, readyAt: notBefore})
	q.signal()
	return nil
}

// Wake makes any queued job for the schedule immediately eligible,
// regardless of its NotBefore. Returns true if a job was found.
func (q *Queue) Wake(scheduleID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	found := false
	now := q.now()
	for _, it := range q.items {
		if it.job.ScheduleID == scheduleID {
			it.readyAt = now
			it.job.NotBefore = now
			found = true
		}
	}
	if found {
		q.signal()
	}
	return found
}

// Remove drops any queued (not leased) job for the schedule. Returns true
// if a job was removed.
func (q *Queue) Remove(scheduleID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.job.ScheduleID == scheduleID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports the number of queued jobs (leased jobs are no longer counted).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued jobs, soonest first.
func (q *Queue) Snapshot() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.Job, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.job)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].NotBefore.Before(out[j-1].NotBefore); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
