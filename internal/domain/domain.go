// Package domain holds the core entities shared by the scheduler, queue,
// publisher and store: accounts, ads, schedules and in-flight jobs.
package domain

import (
	"strings"
	"time"
)

// CaptchaMethod selects how login/publish challenges are solved for an account.
type CaptchaMethod string

const (
	CaptchaAPI    CaptchaMethod = "api"
	CaptchaManual CaptchaMethod = "manual"
	CaptchaScript CaptchaMethod = "script"
)

func ParseCaptchaMethod(s string) (CaptchaMethod, bool) {
	switch CaptchaMethod(strings.ToLower(strings.TrimSpace(s))) {
	case CaptchaAPI:
		return CaptchaAPI, true
	case CaptchaManual:
		return CaptchaManual, true
	case CaptchaScript:
		return CaptchaScript, true
	}
	return "", false
}

// Account is a site login the pipeline publishes through.
//
// Credential is an opaque secret handle; this core never interprets it beyond
// passing it to the site client.
type Account struct {
	ID                  string
	Email               string
	Credential          string
	CaptchaMethod       CaptchaMethod
	IsActive            bool
	ConsecutiveFailures int
	BannedUntil         *time.Time
	CreatedAt           time.Time
}

// PublishState tracks the last known publication result for an ad.
type PublishState string

const (
	PublishNever     PublishState = "never"
	PublishPublished PublishState = "published"
	PublishFailing   PublishState = "failing"
)

// Ad is one listing. Content is snapshotted into a Job at claim time, so edits
// made while an attempt is in flight only affect the next cycle.
type Ad struct {
	ID              string
	AccountID       string
	Title           string
	Description     string
	Province        string
	Category        string
	Subcategory     string
	Zone            string
	Price           float64
	Images          []string
	CreatedAt       time.Time
	LastPublishedAt *time.Time
	PublishState    PublishState
}

// ScheduleState is the schedule lifecycle. Transitions are owned exclusively by
// the scheduler and publisher; external callers go through the store's
// request-pause / reactivate operations.
//
//	idle -> queued -> publishing -> idle   (success or skipped cycle)
//	                           \-> paused  (failure threshold breached)
type ScheduleState string

const (
	ScheduleIdle       ScheduleState = "idle"
	ScheduleQueued     ScheduleState = "queued"
	SchedulePublishing ScheduleState = "publishing"
	SchedulePaused     ScheduleState = "paused"
)

// Schedule is a recurring directive to republish one ad.
//
// IntervalHours is the base cadence. CronSpec, when set, overrides it with a
// cron expression (5- or 6-field, or @every); next run times then come from the
// cron parser instead of the fixed interval.
type Schedule struct {
	ID                  string
	AdID                string
	IntervalHours       int
	CronSpec            string
	NextRunAt           time.Time
	IsActive            bool
	ConsecutiveFailures int
	State               ScheduleState
	Version             int64
	CreatedAt           time.Time
}

// Job is one in-flight attempt to execute a due schedule. Jobs live only in the
// in-memory queue; restarts rebuild them from persisted schedule state.
type Job struct {
	ID         string
	ScheduleID string
	AdID       string
	AccountID  string

	// Ad is the content snapshot taken when the schedule was claimed.
	Ad Ad

	// Interval and CronSpec are carried so the publisher can compute the next
	// run without re-reading the schedule row.
	Interval time.Duration
	CronSpec string

	Attempts   int
	EnqueuedAt time.Time

	// DueAt is the next_run_at value that made the schedule due. Rescheduling is
	// anchored on it so repeated cycles don't accumulate drift.
	DueAt time.Time

	// NotBefore gates when the job becomes poppable again (retry backoff,
	// manual-captcha recheck).
	NotBefore time.Time

	// WaitingOnHuman marks a job parked for a manual captcha resolution.
	WaitingOnHuman bool
}
