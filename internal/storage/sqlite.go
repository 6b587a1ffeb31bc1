package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"jobqueue/internal/job"
	"jobqueue/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const pruneEvery = 500

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	inserts atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers; WAL keeps readers cheap.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage")), retention: cfg.Retention}
	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	st.log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveSignature(ctx context.Context, sig *job.Signature) error {
	fp, err := sig.Fingerprint()
	if err != nil {
		return err
	}
	args, kwargs, err := encodeArgs(sig)
	if err != nil {
		return err
	}
	// The no-op update makes RETURNING yield the existing id on conflict.
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO job_signatures(module, function, args, kwargs, fingerprint, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(fingerprint) DO UPDATE SET fingerprint = excluded.fingerprint
		 RETURNING id`,
		sig.Module, sig.Function, args, kwargs, fp, time.Now().UnixNano(),
	).Scan(&sig.ID)
	if err != nil {
		return fmt.Errorf("save signature %s: %w", sig.Key(), err)
	}
	return nil
}

func (s *sqliteStore) GetSignature(ctx context.Context, id int64) (job.Signature, error) {
	var (
		sig          job.Signature
		args, kwargs string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, module, function, args, kwargs FROM job_signatures WHERE id = ?`, id,
	).Scan(&sig.ID, &sig.Module, &sig.Function, &args, &kwargs)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Signature{}, fmt.Errorf("signature %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return job.Signature{}, err
	}
	if err := decodeArgs(&sig, args, kwargs); err != nil {
		return job.Signature{}, err
	}
	return sig, nil
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, sc *job.Schedule) error {
	if err := s.SaveSignature(ctx, &sc.Signature); err != nil {
		return err
	}
	sc.SignatureID = sc.Signature.ID
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO job_schedules(name, host, minute, hour, month, cron, priority, enabled, source, signature_id, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(name, host) DO UPDATE SET
		   minute = excluded.minute, hour = excluded.hour, month = excluded.month,
		   cron = excluded.cron, priority = excluded.priority, enabled = excluded.enabled,
		   source = excluded.source, signature_id = excluded.signature_id,
		   updated_at = excluded.updated_at
		 RETURNING id`,
		sc.Name, sc.Host, orStar(sc.Minute), orStar(sc.Hour), orStar(sc.Month), sc.Cron,
		sc.Priority, boolInt(sc.Enabled), sc.Source, sc.SignatureID, time.Now().UnixNano(),
	).Scan(&sc.ID)
	if err != nil {
		return fmt.Errorf("save schedule %q: %w", sc.Name, err)
	}
	return nil
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, name, host string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_schedules WHERE name = ? AND host = ?`, name, host)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %q: %w", name, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ListSchedules(ctx context.Context, f ScheduleFilter) ([]job.Schedule, error) {
	q := `SELECT c.id, c.name, c.host, c.minute, c.hour, c.month, c.cron, c.priority, c.enabled, c.source,
	             g.id, g.module, g.function, g.args, g.kwargs
	      FROM job_schedules c JOIN job_signatures g ON g.id = c.signature_id WHERE 1=1`
	var args []any
	if f.Host != nil {
		if f.IncludeGlobal {
			q += ` AND (c.host = ? OR c.host = '')`
		} else {
			q += ` AND c.host = ?`
		}
		args = append(args, *f.Host)
	}
	if f.EnabledOnly {
		q += ` AND c.enabled = 1`
	}
	if f.Source != "" {
		q += ` AND c.source = ?`
		args = append(args, f.Source)
	}
	q += ` ORDER BY c.host, c.name`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Schedule
	for rows.Next() {
		var (
			sc           job.Schedule
			enabled      int
			args, kwargs string
		)
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.Host, &sc.Minute, &sc.Hour, &sc.Month, &sc.Cron,
			&sc.Priority, &enabled, &sc.Source,
			&sc.Signature.ID, &sc.Signature.Module, &sc.Signature.Function, &args, &kwargs); err != nil {
			return nil, err
		}
		sc.Enabled = enabled != 0
		sc.SignatureID = sc.Signature.ID
		if err := decodeArgs(&sc.Signature, args, kwargs); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Hosts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT host FROM job_schedules WHERE host <> '' ORDER BY host`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertRun(ctx context.Context, r *job.Run) error {
	if r.SignatureID == 0 {
		if err := s.SaveSignature(ctx, &r.Signature); err != nil {
			return err
		}
		r.SignatureID = r.Signature.ID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs(id, signature_id, schedule_id, host, priority, status, output, attempts,
		                      created_at, started_at, finished_at, start_time, run_time)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.SignatureID, nullInt(r.ScheduleID), r.Host, r.Priority, string(r.Status), nullStr(r.Output), r.Attempts,
		r.Created.UnixNano(), nullTime(r.Started), nullTime(r.Finished), int64(r.StartTime), int64(r.RunTime),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	if s.retention > 0 && s.inserts.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if n, err := s.PruneRuns(pctx, time.Now().Add(-s.retention)); err != nil {
			s.log.Warn("prune runs failed", logx.Err(err))
		} else if n > 0 {
			s.log.Debug("pruned runs", logx.Int64("count", n))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) UpdateRun(ctx context.Context, r *job.Run) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = ?, output = ?, attempts = ?, started_at = ?, finished_at = ?,
		                     start_time = ?, run_time = ?
		 WHERE id = ?`,
		string(r.Status), nullStr(r.Output), r.Attempts, nullTime(r.Started), nullTime(r.Finished),
		int64(r.StartTime), int64(r.RunTime), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

const runColumns = `r.id, r.signature_id, r.schedule_id, r.host, r.priority, r.status, r.output, r.attempts,
	r.created_at, r.started_at, r.finished_at, r.start_time, r.run_time,
	g.module, g.function, g.args, g.kwargs`

func (s *sqliteStore) GetRun(ctx context.Context, id string) (job.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM job_runs r JOIN job_signatures g ON g.id = r.signature_id WHERE r.id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *sqliteStore) ListRuns(ctx context.Context, f RunFilter) ([]job.Run, error) {
	q := `SELECT ` + runColumns + ` FROM job_runs r JOIN job_signatures g ON g.id = r.signature_id WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND r.status = ?`
		args = append(args, string(f.Status))
	}
	if f.Key != "" {
		mod, fn, err := job.ParseKey(f.Key)
		if err != nil {
			return nil, err
		}
		q += ` AND g.module = ? AND g.function = ?`
		args = append(args, mod, fn)
	}
	if f.Host != "" {
		q += ` AND r.host = ?`
		args = append(args, f.Host)
	}
	q += ` ORDER BY r.created_at DESC, r.id DESC LIMIT ?`
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []job.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_runs WHERE status <> ? AND created_at < ?`, string(job.StatusPending), before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (job.Run, error) {
	var (
		r                  job.Run
		scheduleID         sql.NullInt64
		status             string
		output             sql.NullString
		created            int64
		started, finished  sql.NullInt64
		startTime, runTime int64
		args, kwargs       string
	)
	if err := sc.Scan(&r.ID, &r.SignatureID, &scheduleID, &r.Host, &r.Priority, &status, &output, &r.Attempts,
		&created, &started, &finished, &startTime, &runTime,
		&r.Signature.Module, &r.Signature.Function, &args, &kwargs); err != nil {
		return job.Run{}, err
	}
	r.ScheduleID = scheduleID.Int64
	r.Status = job.Status(status)
	r.Output = output.String
	r.Created = time.Unix(0, created)
	if started.Valid {
		r.Started = time.Unix(0, started.Int64)
	}
	if finished.Valid {
		r.Finished = time.Unix(0, finished.Int64)
	}
	r.StartTime = time.Duration(startTime)
	r.RunTime = time.Duration(runTime)
	r.Signature.ID = r.SignatureID
	if err := decodeArgs(&r.Signature, args, kwargs); err != nil {
		return job.Run{}, err
	}
	return r, nil
}

func encodeArgs(sig *job.Signature) (string, string, error) {
	args := sig.Args
	if args == nil {
		args = []any{}
	}
	kwargs := sig.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	a, err := json.Marshal(args)
	if err != nil {
		return "", "", fmt.Errorf("encode args: %w", err)
	}
	k, err := json.Marshal(kwargs)
	if err != nil {
		return "", "", fmt.Errorf("encode kwargs: %w", err)
	}
	return string(a), string(k), nil
}

func decodeArgs(sig *job.Signature, args, kwargs string) error {
	if err := json.Unmarshal([]byte(args), &sig.Args); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal([]byte(kwargs), &sig.Kwargs); err != nil {
		return fmt.Errorf("decode kwargs: %w", err)
	}
	if len(sig.Args) == 0 {
		sig.Args = nil
	}
	if len(sig.Kwargs) == 0 {
		sig.Kwargs = nil
	}
	return nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orStar(s string) string {
	if strings.TrimSpace(s) == "" {
		return "*"
	}
	return s
}
