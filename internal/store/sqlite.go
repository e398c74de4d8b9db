package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"repub/internal/domain"
	logx "repub/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

func init() {
	// modernc registers as "sqlite"; teach sqlx its bindvar style.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

// Open initializes the sqlite store and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- row mapping ----

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ms(*t)
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromMSNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

type accountRow struct {
	ID                  string        `db:"id"`
	Email               string        `db:"email"`
	Credential          string        `db:"credential"`
	CaptchaMethod       string        `db:"captcha_method"`
	IsActive            int           `db:"is_active"`
	ConsecutiveFailures int           `db:"consecutive_failures"`
	BannedUntil         sql.NullInt64 `db:"banned_until"`
	CreatedAt           int64         `db:"created_at"`
}

func (r accountRow) toDomain() domain.Account {
	return domain.Account{
		ID:                  r.ID,
		Email:               r.Email,
		Credential:          r.Credential,
		CaptchaMethod:       domain.CaptchaMethod(r.CaptchaMethod),
		IsActive:            r.IsActive != 0,
		ConsecutiveFailures: r.ConsecutiveFailures,
		BannedUntil:         fromMSNull(r.BannedUntil),
		CreatedAt:           fromMS(r.CreatedAt),
	}
}

type adRow struct {
	ID              string        `db:"id"`
	AccountID       string        `db:"account_id"`
	Title           string        `db:"title"`
	Description     string        `db:"description"`
	Province        string        `db:"province"`
	Category        string        `db:"category"`
	Subcategory     string        `db:"subcategory"`
	Zone            string        `db:"zone"`
	Price           float64       `db:"price"`
	Images          string        `db:"images"`
	CreatedAt       int64         `db:"created_at"`
	LastPublishedAt sql.NullInt64 `db:"last_published_at"`
	PublishState    string        `db:"publish_state"`
}

func (r adRow) toDomain() domain.Ad {
	var images []string
	if strings.TrimSpace(r.Images) != "" {
		_ = json.Unmarshal([]byte(r.Images), &images)
	}
	return domain.Ad{
		ID:              r.ID,
		AccountID:       r.AccountID,
		Title:           r.Title,
		Description:     r.Description,
		Province:        r.Province,
		Category:        r.Category,
		Subcategory:     r.Subcategory,
		Zone:            r.Zone,
		Price:           r.Price,
		Images:          images,
		CreatedAt:       fromMS(r.CreatedAt),
		LastPublishedAt: fromMSNull(r.LastPublishedAt),
		PublishState:    domain.PublishState(r.PublishState),
	}
}

type scheduleRow struct {
	ID                  string `db:"id"`
	AdID                string `db:"ad_id"`
	IntervalHours       int    `db:"interval_hours"`
	CronSpec            string `db:"cron_spec"`
	NextRunAt           int64  `db:"next_run_at"`
	IsActive            int    `db:"is_active"`
	ConsecutiveFailures int    `db:"consecutive_failures"`
	State               string `db:"state"`
	Version             int64  `db:"version"`
	CreatedAt           int64  `db:"created_at"`
}

func (r scheduleRow) toDomain() domain.Schedule {
	return domain.Schedule{
		ID:                  r.ID,
		AdID:                r.AdID,
		IntervalHours:       r.IntervalHours,
		CronSpec:            r.CronSpec,
		NextRunAt:           fromMS(r.NextRunAt),
		IsActive:            r.IsActive != 0,
		ConsecutiveFailures: r.ConsecutiveFailures,
		State:               domain.ScheduleState(r.State),
		Version:             r.Version,
		CreatedAt:           fromMS(r.CreatedAt),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- accounts ----

func (s *sqliteStore) CreateAccount(ctx context.Context, a *domain.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if _, ok := domain.ParseCaptchaMethod(string(a.CaptchaMethod)); !ok {
		return fmt.Errorf("invalid captcha method %q", a.CaptchaMethod)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, email, credential, captcha_method, is_active, consecutive_failures, banned_until, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		a.ID, a.Email, a.Credential, string(a.CaptchaMethod), boolInt(a.IsActive),
		a.ConsecutiveFailures, msPtr(a.BannedUntil), ms(a.CreatedAt),
	)
	return err
}

func (s *sqliteStore) Account(ctx context.Context, id string) (domain.Account, error) {
	var r accountRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, ErrNotFound
	}
	if err != nil {
		return domain.Account{}, err
	}
	return r.toDomain(), nil
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM accounts ORDER BY created_at, id`); err != nil {
		return nil, err
	}
	out := make([]domain.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *sqliteStore) DeleteAccount(ctx context.Context, id string) error {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM schedules sc JOIN ads a ON a.id = sc.ad_id WHERE a.account_id = ?`, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrAccountReferenced
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) SetAccountActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET is_active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) BanAccount(ctx context.Context, id string, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_active = 0, banned_until = ? WHERE id = ?`, ms(until), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) RecordAccountAuth(ctx context.Context, id string, ok bool) error {
	var res sql.Result
	var err error
	if ok {
		res, err = s.db.ExecContext(ctx,
			`UPDATE accounts SET consecutive_failures = 0 WHERE id = ?`, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE accounts SET consecutive_failures = consecutive_failures + 1 WHERE id = ?`, id)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- ads ----

func (s *sqliteStore) CreateAd(ctx context.Context, ad *domain.Ad) error {
	if ad.ID == "" {
		ad.ID = uuid.NewString()
	}
	if ad.CreatedAt.IsZero() {
		ad.CreatedAt = time.Now().UTC()
	}
	if ad.PublishState == "" {
		ad.PublishState = domain.PublishNever
	}
	images, err := json.Marshal(ad.Images)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ads(id, account_id, title, description, province, category, subcategory, zone, price, images, created_at, last_published_at, publish_state)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ad.ID, ad.AccountID, ad.Title, ad.Description, ad.Province, ad.Category, ad.Subcategory,
		ad.Zone, ad.Price, string(images), ms(ad.CreatedAt), msPtr(ad.LastPublishedAt), string(ad.PublishState),
	)
	return err
}

func (s *sqliteStore) Ad(ctx context.Context, id string) (domain.Ad, error) {
	var r adRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM ads WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ad{}, ErrNotFound
	}
	if err != nil {
		return domain.Ad{}, err
	}
	return r.toDomain(), nil
}

func (s *sqliteStore) ListAdsByAccount(ctx context.Context, accountID string) ([]domain.Ad, error) {
	var rows []adRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM ads WHERE account_id = ? ORDER BY created_at, id`, accountID); err != nil {
		return nil, err
	}
	out := make([]domain.Ad, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *sqliteStore) UpdateAdContent(ctx context.Context, ad domain.Ad) error {
	images, err := json.Marshal(ad.Images)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ads SET title=?, description=?, province=?, category=?, subcategory=?, zone=?, price=?, images=?
		 WHERE id = ?`,
		ad.Title, ad.Description, ad.Province, ad.Category, ad.Subcategory, ad.Zone, ad.Price, string(images), ad.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) MarkAdPublished(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ads SET last_published_at = ?, publish_state = ? WHERE id = ?`,
		ms(at), string(domain.PublishPublished), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) MarkAdFailing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ads SET publish_state = ? WHERE id = ?`, string(domain.PublishFailing), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---- schedules ----

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc *domain.Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	if sc.State == "" {
		sc.State = domain.ScheduleIdle
	}
	if sc.IntervalHours < 1 {
		return fmt.Errorf("interval_hours must be >= 1, got %d", sc.IntervalHours)
	}
	if sc.NextRunAt.IsZero() {
		sc.NextRunAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, ad_id, interval_hours, cron_spec, next_run_at, is_active, consecutive_failures, state, version, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.AdID, sc.IntervalHours, sc.CronSpec, ms(sc.NextRunAt), boolInt(sc.IsActive),
		sc.ConsecutiveFailures, string(sc.State), sc.Version, ms(sc.CreatedAt),
	)
	return err
}

func (s *sqliteStore) Schedule(ctx context.Context, id string) (domain.Schedule, error) {
	var r scheduleRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM schedules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	if err != nil {
		return domain.Schedule{}, err
	}
	return r.toDomain(), nil
}

func (s *sqliteStore) ScheduleForAd(ctx context.Context, adID string) (domain.Schedule, error) {
	var r scheduleRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM schedules WHERE ad_id = ?`, adID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	if err != nil {
		return domain.Schedule{}, err
	}
	return r.toDomain(), nil
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM schedules ORDER BY created_at, id`); err != nil {
		return nil, err
	}
	out := make([]domain.Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *sqliteStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM schedules
		 WHERE state = ? AND is_active = 1 AND next_run_at <= ?
		 ORDER BY next_run_at, id
		 LIMIT ?`,
		string(domain.ScheduleIdle), ms(now), limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *sqliteStore) ClaimSchedule(ctx context.Context, id string, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET state = ?, version = version + 1
		 WHERE id = ? AND version = ? AND state = ? AND is_active = 1`,
		string(domain.ScheduleQueued), id, version, string(domain.ScheduleIdle))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) MarkSchedulePublishing(ctx context.Context, id string) error {
	// A retried or parked job marks the same schedule again, so an already
	// publishing row is acceptable here.
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET state = ?, version = version + 1 WHERE id = ? AND state IN (?, ?)`,
		string(domain.SchedulePublishing), id, string(domain.ScheduleQueued), string(domain.SchedulePublishing))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) CompleteSchedule(ctx context.Context, id string, nextRun time.Time, resetFailures bool) error {
	var res sql.Result
	var err error
	if resetFailures {
		res, err = s.db.ExecContext(ctx,
			`UPDATE schedules SET state = ?, next_run_at = ?, consecutive_failures = 0, version = version + 1
			 WHERE id = ?`,
			string(domain.ScheduleIdle), ms(nextRun), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE schedules SET state = ?, next_run_at = ?, version = version + 1 WHERE id = ?`,
			string(domain.ScheduleIdle), ms(nextRun), id)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) FailScheduleCycle(ctx context.Context, id string, nextRun time.Time, pauseThreshold int) (int, bool, error) {
	if pauseThreshold <= 0 {
		pauseThreshold = 3
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var fails int
	err = tx.GetContext(ctx, &fails, `SELECT consecutive_failures FROM schedules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}

	fails++
	paused := fails >= pauseThreshold
	state := domain.ScheduleIdle
	if paused {
		state = domain.SchedulePaused
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE schedules SET state = ?, next_run_at = ?, consecutive_failures = ?, version = version + 1
		 WHERE id = ?`,
		string(state), ms(nextRun), fails, id)
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return fails, paused, nil
}

func (s *sqliteStore) RequestPause(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET state = ?, version = version + 1 WHERE id = ? AND state != ?`,
		string(domain.SchedulePaused), id, string(domain.SchedulePaused))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) Reactivate(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET state = ?, is_active = 1, consecutive_failures = 0, next_run_at = ?, version = version + 1
		 WHERE id = ?`,
		string(domain.ScheduleIdle), ms(now), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) ResetInterrupted(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET state = ?, next_run_at = ?, version = version + 1
		 WHERE state IN (?, ?)`,
		string(domain.ScheduleIdle), ms(now),
		string(domain.ScheduleQueued), string(domain.SchedulePublishing))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn("reset interrupted schedules", logx.Int64("count", n))
	}
	return int(n), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
