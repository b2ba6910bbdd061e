//go:build sqlite

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

	_ "modernc.org/sqlite"

	logx "matbtrainer/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func init() { register("sqlite", openSQLite, "sqlite3") }

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
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

func (s *sqliteStore) AppendEvent(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, at_ms, session_id, kind, task, source, ok, reason, err, data)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.At.UnixMilli(), r.SessionID, r.Kind,
		nullStr(r.Task), nullStr(r.Source), boolInt(r.OK), nullStr(r.Reason), nullStr(r.Error), nullStr(r.DataJSON),
	)
	return err
}

func (s *sqliteStore) ListEvents(ctx context.Context, q Query) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		where []string
		args  []any
	)
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if !q.Since.IsZero() {
		where = append(where, "at_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	query := `SELECT at, session_id, kind, task, source, ok, reason, err, data FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                                Record
			at                               string
			ok                               int
			task, source, reason, errS, data sql.NullString
		)
		if err := rows.Scan(&at, &r.SessionID, &r.Kind, &task, &source, &ok, &reason, &errS, &data); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Task, r.Source, r.Reason, r.Error, r.DataJSON = task.String, source.String, reason.String, errS.String, data.String
		r.OK = ok != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest-first from the query; callers expect journal order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) PutSession(ctx context.Context, sum SessionSummary) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(sum.ID) == "" {
		return errors.New("session id required")
	}
	var ended any
	if !sum.EndedAt.IsZero() {
		ended = sum.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, mode, started_at, ended_at, end_reason, dispatched, rejected)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   mode=excluded.mode, started_at=excluded.started_at, ended_at=excluded.ended_at,
		   end_reason=excluded.end_reason, dispatched=excluded.dispatched, rejected=excluded.rejected`,
		sum.ID, sum.Mode, sum.StartedAt.UTC().Format(time.RFC3339Nano), ended, nullStr(sum.EndReason),
		sum.Dispatched, sum.Rejected,
	)
	return err
}

func (s *sqliteStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, started_at, ended_at, end_reason, dispatched, rejected FROM sessions ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum           SessionSummary
			started       string
			ended, reason sql.NullString
		)
		if err := rows.Scan(&sum.ID, &sum.Mode, &started, &ended, &reason, &sum.Dispatched, &sum.Rejected); err != nil {
			return nil, err
		}
		sum.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if ended.Valid {
			sum.EndedAt, _ = time.Parse(time.RFC3339Nano, ended.String)
		}
		sum.EndReason = reason.String
		out = append(out, sum)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
