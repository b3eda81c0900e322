package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"

	"github.com/tvnlabs/chanvisor/internal/model"
)

// SQLite is the default backend, a single file next to the daemon.
type SQLite struct {
	db *sql.DB
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	registerHook()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; this also serializes every Update
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, goose.DialectSQLite3, db, "sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func rollback(ctx context.Context, tx *sql.Tx, id string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("job_id", id), slog.String("error", err.Error()))
	}
}

func (s *SQLite) Create(ctx context.Context, st model.JobState) error {
	st.UpdatedAt = now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, pid, error, updated_at) VALUES (?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		st.ID, string(st.Status), st.PID, st.Error, st.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (model.JobState, error) {
	var (
		st      model.JobState
		status  string
		updated int64
	)
	err := row.Scan(&st.ID, &status, &st.PID, &st.Error, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobState{}, ErrNotFound
	}
	if err != nil {
		return model.JobState{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	st.Status = model.Status(status)
	st.UpdatedAt = time.Unix(0, updated).UTC()
	return st, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (model.JobState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, pid, error, updated_at FROM jobs WHERE id=?`, id,
	)
	return scanSQLite(row)
}

func (s *SQLite) Update(ctx context.Context, id string, fn UpdateFunc) (model.JobState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.JobState{}, err
	}
	defer rollback(ctx, tx, id)

	cur, err := scanSQLite(tx.QueryRowContext(ctx,
		`SELECT id, status, pid, error, updated_at FROM jobs WHERE id=?`, id,
	))
	if err != nil {
		return model.JobState{}, err
	}
	next, err := apply(cur, fn)
	if err != nil {
		return next, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, pid=?, error=?, updated_at=? WHERE id=?`,
		string(next.Status), next.PID, next.Error, next.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return model.JobState{}, fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.JobState{}, fmt.Errorf("committing transaction failed: %w", err)
	}
	return next, nil
}

func (s *SQLite) List(ctx context.Context) ([]model.JobState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status, pid, error, updated_at FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []model.JobState
	for rows.Next() {
		st, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
