package storage

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

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; transactions are the atomic unit for
	// the active-run check.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

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

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ---- jobs ----

const jobColumns = `id, identifier, owner_id, owner_name, payload_bucket, payload_key, notebook_name,
	cluster_size, schedule_every, start_date, end_date, timeout_minutes, enabled,
	last_run_at, next_run_at, created_at, updated_at`

func (s *sqliteStore) CreateJob(ctx context.Context, d *jobs.Definition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Identifier, d.OwnerID, nullStr(d.OwnerName), d.Payload.Bucket, d.Payload.Key,
		nullStr(d.NotebookName), d.ClusterSize, string(d.Interval), ms(d.StartDate), nullMS(d.EndDate),
		d.TimeoutMinutes, boolInt(d.Enabled), nullMS(d.LastRunAt), nullMS(d.NextRunAt),
		ms(d.CreatedAt), ms(d.UpdatedAt),
	)
	return jobWriteErr(err, d)
}

func (s *sqliteStore) UpdateJob(ctx context.Context, d *jobs.Definition) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET identifier=?, owner_id=?, owner_name=?, payload_bucket=?, payload_key=?,
		   notebook_name=?, cluster_size=?, schedule_every=?, start_date=?, end_date=?,
		   timeout_minutes=?, enabled=?, next_run_at=?, updated_at=?
		 WHERE id=?`,
		d.Identifier, d.OwnerID, nullStr(d.OwnerName), d.Payload.Bucket, d.Payload.Key,
		nullStr(d.NotebookName), d.ClusterSize, string(d.Interval), ms(d.StartDate), nullMS(d.EndDate),
		d.TimeoutMinutes, boolInt(d.Enabled), nullMS(d.NextRunAt), ms(d.UpdatedAt), d.ID,
	)
	if err != nil {
		return jobWriteErr(err, d)
	}
	return requireRow(res)
}

func (s *sqliteStore) SetSchedule(ctx context.Context, jobID string, st ScheduleState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_run_at=?, next_run_at=?, enabled=?, updated_at=? WHERE id=?`,
		nullMS(st.LastRunAt), nullMS(st.NextRunAt), boolInt(st.Enabled), ms(time.Now()), jobID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id=?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return jobs.ErrNotFound
	}
	active, err := countActive(ctx, tx, id)
	if err != nil {
		return err
	}
	if active > 0 {
		return &jobs.ConflictError{Kind: jobs.ConflictActiveRun, JobID: id}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM grants WHERE job_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*jobs.Definition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	d, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return d, err
}

func (s *sqliteStore) ListJobs(ctx context.Context, q JobQuery) ([]*jobs.Definition, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	switch {
	case q.OwnerID != "" && q.IncludeGranted:
		query += ` WHERE owner_id=? OR id IN (SELECT job_id FROM grants WHERE user_id=?)`
		args = append(args, q.OwnerID, q.OwnerID)
	case q.OwnerID != "":
		query += ` WHERE owner_id=?`
		args = append(args, q.OwnerID)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	return s.queryJobs(ctx, query, args...)
}

func (s *sqliteStore) ListDueJobs(ctx context.Context, now time.Time) ([]*jobs.Definition, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE enabled=1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC, id ASC`, ms(now))
}

func (s *sqliteStore) Identifiers(ctx context.Context, prefix, excludeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identifier FROM jobs
		 WHERE (identifier = ? OR substr(identifier, 1, ?) = ?) AND id <> ?
		 ORDER BY identifier`,
		prefix, len(prefix)+1, prefix+"-", excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ident string
		if err := rows.Scan(&ident); err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

func (s *sqliteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*jobs.Definition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*jobs.Definition
	for rows.Next() {
		d, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*jobs.Definition, error) {
	var (
		d                       jobs.Definition
		ownerName, notebook     sql.NullString
		interval                string
		start, created, updated int64
		end, lastRun, nextRun   sql.NullInt64
		enabled                 int
	)
	if err := sc.Scan(&d.ID, &d.Identifier, &d.OwnerID, &ownerName, &d.Payload.Bucket, &d.Payload.Key,
		&notebook, &d.ClusterSize, &interval, &start, &end, &d.TimeoutMinutes, &enabled,
		&lastRun, &nextRun, &created, &updated); err != nil {
		return nil, err
	}
	d.OwnerName = ownerName.String
	d.NotebookName = notebook.String
	d.Interval = jobs.Interval(interval)
	d.StartDate = fromMS(start)
	d.EndDate = fromNullMS(end)
	d.Enabled = enabled != 0
	d.LastRunAt = fromNullMS(lastRun)
	d.NextRunAt = fromNullMS(nextRun)
	d.CreatedAt = fromMS(created)
	d.UpdatedAt = fromMS(updated)
	return &d, nil
}

// ---- runs ----

const runColumns = `id, job_id, job_identifier, occurrence_at, attempt, status, cluster_size,
	timeout_minutes, payload_bucket, payload_key, notebook_name, cluster_ref, cluster_terminated,
	scratch_bucket, scratch_key, output_bucket, output_key, failure, warning,
	created_at, updated_at, started_at, finished_at`

func (s *sqliteStore) CreateRun(ctx context.Context, r *jobs.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id=?`, r.JobID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return jobs.ErrNotFound
	}
	if r.Status.Active() {
		active, err := countActive(ctx, tx, r.JobID)
		if err != nil {
			return err
		}
		if active > 0 {
			return &jobs.ConflictError{Kind: jobs.ConflictActiveRun, JobID: r.JobID}
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs(`+runColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		runArgs(r)...)
	if err != nil {
		return runWriteErr(err, r)
	}
	return tx.Commit()
}

func (s *sqliteStore) UpdateRun(ctx context.Context, r *jobs.Run, from jobs.RunStatus) error {
	args := append(runArgs(r)[1:], r.ID, string(from))
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET job_id=?, job_identifier=?, occurrence_at=?, attempt=?, status=?,
		   cluster_size=?, timeout_minutes=?, payload_bucket=?, payload_key=?, notebook_name=?,
		   cluster_ref=?, cluster_terminated=?, scratch_bucket=?, scratch_key=?,
		   output_bucket=?, output_key=?, failure=?, warning=?,
		   created_at=?, updated_at=?, started_at=?, finished_at=?
		 WHERE id=? AND status=?`, args...)
	if err != nil {
		return runWriteErr(err, r)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetRun(ctx, r.ID); err != nil {
		return err
	}
	return &jobs.ConflictError{Kind: jobs.ConflictStale, JobID: r.JobID}
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (*jobs.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ActiveRun(ctx context.Context, jobID string) (*jobs.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE job_id=? AND status IN ('pending','provisioning','running')`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListRuns(ctx context.Context, q RunQuery) ([]*jobs.Run, error) {
	var (
		where []string
		args  []any
	)
	if q.JobID != "" {
		where = append(where, "job_id=?")
		args = append(args, q.JobID)
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if q.Unterminated {
		where = append(where,
			"status IN ('succeeded','failed','timed_out','cancelled')",
			"cluster_ref IS NOT NULL", "cluster_ref <> ''", "cluster_terminated=0")
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*jobs.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func runArgs(r *jobs.Run) []any {
	return []any{
		r.ID, r.JobID, r.JobIdentifier, ms(r.OccurrenceAt), r.Attempt, string(r.Status),
		r.ClusterSize, r.TimeoutMinutes, nullStr(r.Payload.Bucket), nullStr(r.Payload.Key),
		nullStr(r.NotebookName), nullStr(r.ClusterRef), boolInt(r.ClusterTerminated),
		nullStr(r.Scratch.Bucket), nullStr(r.Scratch.Key), nullStr(r.Output.Bucket), nullStr(r.Output.Key),
		nullStr(r.Failure), nullStr(r.Warning),
		ms(r.CreatedAt), ms(r.UpdatedAt), nullMS(r.StartedAt), nullMS(r.FinishedAt),
	}
}

func scanRun(sc scanner) (*jobs.Run, error) {
	var (
		r                                   jobs.Run
		status                              string
		occurrence, created, updated        int64
		started, finished                   sql.NullInt64
		terminated                          int
		payloadBucket, payloadKey, notebook sql.NullString
		ref, scratchBucket, scratchKey      sql.NullString
		outBucket, outKey, failure, warning sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.JobID, &r.JobIdentifier, &occurrence, &r.Attempt, &status,
		&r.ClusterSize, &r.TimeoutMinutes, &payloadBucket, &payloadKey, &notebook, &ref, &terminated,
		&scratchBucket, &scratchKey, &outBucket, &outKey, &failure, &warning,
		&created, &updated, &started, &finished); err != nil {
		return nil, err
	}
	r.OccurrenceAt = fromMS(occurrence)
	r.Status = jobs.RunStatus(status)
	r.Payload = jobs.Location{Bucket: payloadBucket.String, Key: payloadKey.String}
	r.NotebookName = notebook.String
	r.ClusterRef = ref.String
	r.ClusterTerminated = terminated != 0
	r.Scratch = jobs.Location{Bucket: scratchBucket.String, Key: scratchKey.String}
	r.Output = jobs.Location{Bucket: outBucket.String, Key: outKey.String}
	r.Failure = failure.String
	r.Warning = warning.String
	r.CreatedAt = fromMS(created)
	r.UpdatedAt = fromMS(updated)
	r.StartedAt = fromNullMS(started)
	r.FinishedAt = fromNullMS(finished)
	return &r, nil
}

func countActive(ctx context.Context, tx *sql.Tx, jobID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE job_id=? AND status IN ('pending','provisioning','running')`,
		jobID).Scan(&n)
	return n, err
}

// ---- grants ----

func (s *sqliteStore) PutGrant(ctx context.Context, g jobs.Grant) error {
	if _, err := s.GetJob(ctx, g.JobID); err != nil {
		return err
	}
	if g.Created.IsZero() {
		g.Created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grants(job_id, user_id, can_edit, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(job_id, user_id) DO UPDATE SET can_edit=excluded.can_edit`,
		g.JobID, g.UserID, boolInt(g.CanEdit), ms(g.Created))
	return err
}

func (s *sqliteStore) ListGrants(ctx context.Context, jobID string) ([]jobs.Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, user_id, can_edit, created_at FROM grants WHERE job_id=? ORDER BY user_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []jobs.Grant
	for rows.Next() {
		var (
			g       jobs.Grant
			canEdit int
			created int64
		)
		if err := rows.Scan(&g.JobID, &g.UserID, &canEdit, &created); err != nil {
			return nil, err
		}
		g.CanEdit = canEdit != 0
		g.Created = fromMS(created)
		out = append(out, g)
	}
	return out, rows.Err()
}

// ---- helpers ----

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func jobWriteErr(err error, d *jobs.Definition) error {
	if err == nil || !isUniqueViolation(err) {
		return err
	}
	if strings.Contains(err.Error(), "jobs.identifier") {
		return &jobs.ConflictError{Kind: jobs.ConflictIdentifier, Identifier: d.Identifier}
	}
	return &jobs.ConflictError{Kind: jobs.ConflictStale, JobID: d.ID}
}

func runWriteErr(err error, r *jobs.Run) error {
	if err == nil || !isUniqueViolation(err) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "runs.occurrence_at"):
		return &jobs.ConflictError{Kind: jobs.ConflictOccurrence, JobID: r.JobID}
	case strings.Contains(msg, "runs.job_id"):
		return &jobs.ConflictError{Kind: jobs.ConflictActiveRun, JobID: r.JobID}
	default:
		return &jobs.ConflictError{Kind: jobs.ConflictStale, JobID: r.JobID}
	}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func nullMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
