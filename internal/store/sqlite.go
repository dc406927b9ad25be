package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the sqlite job store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the job database at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// Every commit reaches the disk before the call returns; a crash never
	// loses an acknowledged write.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

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

const jobColumns = `id, kind, media_ref, caption, run_at, slots, start_date,
	status, next_fire_at, attempts, claimed_at,
	last_at, last_ok, last_remote_id, last_error, created_at, updated_at`

func (s *sqliteStore) Put(ctx context.Context, j *Job) error {
	if j == nil || strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, media_ref=excluded.media_ref, caption=excluded.caption,
			run_at=excluded.run_at, slots=excluded.slots, start_date=excluded.start_date,
			status=excluded.status, next_fire_at=excluded.next_fire_at,
			attempts=excluded.attempts, claimed_at=excluded.claimed_at,
			last_at=excluded.last_at, last_ok=excluded.last_ok,
			last_remote_id=excluded.last_remote_id, last_error=excluded.last_error,
			updated_at=excluded.updated_at`,
		j.ID, string(j.Kind), j.MediaRef, j.Caption,
		nullMilli(j.Trigger.RunAt), nullStr(strings.Join(j.Trigger.Slots, ",")), nullStr(j.Trigger.StartDate),
		string(j.Status), nullMilli(j.NextFireAt), j.Attempts, nullMilli(j.ClaimedAt),
		resultAt(j.LastResult), resultOK(j.LastResult), resultRemote(j.LastResult), resultErr(j.LastResult),
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put job %s: %w", j.ID, err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	// Pending jobs sort by due time; history sorts by creation.
	q += ` ORDER BY CASE WHEN status = 'pending' THEN 0 ELSE 1 END,
	       CASE WHEN status = 'pending' THEN next_fire_at ELSE created_at END ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AllDue(ctx context.Context, asOf time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'pending' AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		 ORDER BY next_fire_at ASC`,
		asOf.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *sqliteStore) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status='running', claimed_at=?, updated_at=?
		 WHERE id = ? AND status = 'pending'`,
		at.UnixMilli(), at.UnixMilli(), id,
	)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) FinishFiring(ctx context.Context, id string, r Result, next Status, nextFire time.Time, attempts int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("finish firing %s: %w", id, err)
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("finish firing %s: %w", id, err)
	}

	now := r.At
	if now.IsZero() {
		now = time.Now()
	}

	if Status(cur) != StatusRunning {
		// Cancelled (or otherwise moved) underneath us: keep the result as
		// history, leave scheduling alone.
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET last_at=?, last_ok=?, last_remote_id=?, last_error=?, updated_at=?
			 WHERE id = ?`,
			now.UnixMilli(), boolInt(r.OK), nullStr(r.RemoteID), nullStr(r.Error), now.UnixMilli(), id,
		)
		if err != nil {
			return false, fmt.Errorf("finish firing %s: %w", id, err)
		}
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, next_fire_at=?, attempts=?, claimed_at=NULL,
			last_at=?, last_ok=?, last_remote_id=?, last_error=?, updated_at=?
		 WHERE id = ?`,
		string(next), nullMilli(nextFire), attempts,
		now.UnixMilli(), boolInt(r.OK), nullStr(r.RemoteID), nullStr(r.Error), now.UnixMilli(), id,
	)
	if err != nil {
		return false, fmt.Errorf("finish firing %s: %w", id, err)
	}
	return true, tx.Commit()
}

func (s *sqliteStore) Update(ctx context.Context, j *Job, expect Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET caption=?, run_at=?, slots=?, start_date=?,
			status=?, next_fire_at=?, attempts=?, updated_at=?
		 WHERE id = ? AND status = ?`,
		j.Caption, nullMilli(j.Trigger.RunAt), nullStr(strings.Join(j.Trigger.Slots, ",")), nullStr(j.Trigger.StartDate),
		string(j.Status), nullMilli(j.NextFireAt), j.Attempts, j.UpdatedAt.UnixMilli(),
		j.ID, string(expect),
	)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Cancel(ctx context.Context, id string, at time.Time) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("cancel job %s: %w", id, err)
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("cancel job %s: %w", id, err)
	}

	prior := Status(cur)
	if prior == StatusCompleted || prior == StatusCancelled {
		return prior, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status='cancelled', next_fire_at=NULL, claimed_at=NULL, updated_at=?
		 WHERE id = ?`,
		at.UnixMilli(), id,
	)
	if err != nil {
		return "", fmt.Errorf("cancel job %s: %w", id, err)
	}
	return prior, tx.Commit()
}

func (s *sqliteStore) SetNextFire(ctx context.Context, id string, next time.Time, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_fire_at=?, updated_at=? WHERE id = ? AND status = 'pending'`,
		nullMilli(next), at.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("set next fire %s: %w", id, err)
	}
	return nil
}

func (s *sqliteStore) Stuck(ctx context.Context, before time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'running' AND claimed_at IS NOT NULL AND claimed_at < ?
		 ORDER BY claimed_at ASC`,
		before.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("stuck jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                        Job
		kind, status             string
		runAt, nextFire, claimed sql.NullInt64
		slots, startDate         sql.NullString
		lastAt, lastOK           sql.NullInt64
		lastRemote, lastErr      sql.NullString
		createdAt, updatedAt     int64
	)
	err := row.Scan(
		&j.ID, &kind, &j.MediaRef, &j.Caption,
		&runAt, &slots, &startDate,
		&status, &nextFire, &j.Attempts, &claimed,
		&lastAt, &lastOK, &lastRemote, &lastErr,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Kind = Kind(kind)
	j.Status = Status(status)
	if runAt.Valid {
		j.Trigger.RunAt = time.UnixMilli(runAt.Int64)
	}
	if slots.Valid && slots.String != "" {
		j.Trigger.Slots = strings.Split(slots.String, ",")
	}
	if startDate.Valid {
		j.Trigger.StartDate = startDate.String
	}
	if nextFire.Valid {
		j.NextFireAt = time.UnixMilli(nextFire.Int64)
	}
	if claimed.Valid {
		j.ClaimedAt = time.UnixMilli(claimed.Int64)
	}
	if lastAt.Valid {
		j.LastResult = &Result{
			At:       time.UnixMilli(lastAt.Int64),
			OK:       lastOK.Valid && lastOK.Int64 != 0,
			RemoteID: lastRemote.String,
			Error:    lastErr.String,
		}
	}
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func resultAt(r *Result) any {
	if r == nil {
		return nil
	}
	return r.At.UnixMilli()
}

func resultOK(r *Result) any {
	if r == nil {
		return nil
	}
	return boolInt(r.OK)
}

func resultRemote(r *Result) any {
	if r == nil {
		return nil
	}
	return nullStr(r.RemoteID)
}

func resultErr(r *Result) any {
	if r == nil {
		return nil
	}
	return nullStr(r.Error)
}
