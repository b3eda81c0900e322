package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tvnlabs/chanvisor/internal/model"
)

// Postgres shares job state between supervisors on several hosts. Update
// locks the job row, so other jobs proceed in parallel.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = migrate(ctx, goose.DialectPostgres, db, "postgres")
	if cerr := db.Close(); cerr != nil {
		slog.WarnContext(ctx, "closing migration connection", "error", cerr)
	}
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Create(ctx context.Context, st model.JobState) error {
	st.UpdatedAt = now()
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, pid, error, updated_at) VALUES ($1,$2,$3,$4,$5) ON CONFLICT (id) DO NOTHING`,
		st.ID, string(st.Status), st.PID, st.Error, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func scanPostgres(row pgx.Row) (model.JobState, error) {
	var (
		st     model.JobState
		status string
	)
	err := row.Scan(&st.ID, &status, &st.PID, &st.Error, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.JobState{}, ErrNotFound
	}
	if err != nil {
		return model.JobState{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	st.Status = model.Status(status)
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (model.JobState, error) {
	return scanPostgres(p.pool.QueryRow(ctx,
		`SELECT id, status, pid, error, updated_at FROM jobs WHERE id=$1`, id,
	))
}

func (p *Postgres) Update(ctx context.Context, id string, fn UpdateFunc) (model.JobState, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return model.JobState{}, err
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("job_id", id), slog.String("error", err.Error()))
		}
	}()

	cur, err := scanPostgres(tx.QueryRow(ctx,
		`SELECT id, status, pid, error, updated_at FROM jobs WHERE id=$1 FOR UPDATE`, id,
	))
	if err != nil {
		return model.JobState{}, err
	}
	next, err := apply(cur, fn)
	if err != nil {
		return next, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status=$1, pid=$2, error=$3, updated_at=$4 WHERE id=$5`,
		string(next.Status), next.PID, next.Error, next.UpdatedAt, id,
	)
	if err != nil {
		return model.JobState{}, fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.JobState{}, fmt.Errorf("committing transaction failed: %w", err)
	}
	return next, nil
}

func (p *Postgres) List(ctx context.Context) ([]model.JobState, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, status, pid, error, updated_at FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()
	var out []model.JobState
	for rows.Next() {
		st, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
