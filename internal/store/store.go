// Package store is the persistence layer behind the pipeline: accounts, ads
// and schedules, including the atomic idle->queued claim the scheduler relies
// on and the startup recovery of interrupted schedules.
//
// Schedule state is never written except through the transition methods here;
// the dashboard layer gets only the narrower request-pause / reactivate
// operations.
package store

import (
	"context"
	"errors"
	"time"

	"repub/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrAccountReferenced guards the referential invariant: an account with
	// schedules pointing at it cannot be deleted.
	ErrAccountReferenced = errors.New("account still referenced by schedules")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// Store is the persistence API used by the scheduler, publisher and the
// (out-of-scope) dashboard layer.
type Store interface {
	// Accounts.
	CreateAccount(ctx context.Context, a *domain.Account) error
	Account(ctx context.Context, id string) (domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	DeleteAccount(ctx context.Context, id string) error
	SetAccountActive(ctx context.Context, id string, active bool) error
	BanAccount(ctx context.Context, id string, until time.Time) error
	// RecordAccountAuth updates the consecutive auth failure counter:
	// success resets it, failure increments it.
	RecordAccountAuth(ctx context.Context, id string, ok bool) error

	// Ads.
	CreateAd(ctx context.Context, ad *domain.Ad) error
	Ad(ctx context.Context, id string) (domain.Ad, error)
	ListAdsByAccount(ctx context.Context, accountID string) ([]domain.Ad, error)
	UpdateAdContent(ctx context.Context, ad domain.Ad) error
	MarkAdPublished(ctx context.Context, id string, at time.Time) error
	MarkAdFailing(ctx context.Context, id string) error

	// Schedules.
	CreateSchedule(ctx context.Context, s *domain.Schedule) error
	Schedule(ctx context.Context, id string) (domain.Schedule, error)
	ScheduleForAd(ctx context.Context, adID string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)

	// DueSchedules returns idle, active schedules with next_run_at <= now,
	// oldest-due first (ties broken by id for determinism).
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)

	// ClaimSchedule is the atomic idle->queued transition (optimistic version
	// check). It returns false when the row moved underneath the caller,
	// which is the normal signal that another tick already claimed it.
	ClaimSchedule(ctx context.Context, id string, version int64) (bool, error)

	// MarkSchedulePublishing moves queued->publishing when a worker picks the
	// job up.
	MarkSchedulePublishing(ctx context.Context, id string) error

	// CompleteSchedule finishes a cycle: back to idle with the given next run.
	// resetFailures is set on success, clear on a skipped (failed) cycle.
	CompleteSchedule(ctx context.Context, id string, nextRun time.Time, resetFailures bool) error

	// FailScheduleCycle records a failed cycle: consecutive_failures++, then
	// either idle with the given next run or paused once the threshold is
	// crossed. Returns the new failure count and whether the schedule paused.
	FailScheduleCycle(ctx context.Context, id string, nextRun time.Time, pauseThreshold int) (failures int, paused bool, err error)

	// RequestPause and Reactivate are the operator-facing transitions.
	RequestPause(ctx context.Context, id string) error
	Reactivate(ctx context.Context, id string, now time.Time) error

	// ResetInterrupted is startup recovery: schedules left queued/publishing
	// by a crash go back to idle with next_run_at = now, so the next tick
	// re-emits them (at-least-once execution).
	ResetInterrupted(ctx context.Context, now time.Time) (int, error)

	Close() error
}
