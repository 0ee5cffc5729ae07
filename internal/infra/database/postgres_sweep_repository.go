package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"leadtracker/internal/domain/sweep"

	"github.com/lib/pq"
)

// ErrSweepRunNotFound is returned by LatestRun on an empty table.
var ErrSweepRunNotFound = errors.New("sweep run not found")

type PostgresSweepRepository struct {
	db *sql.DB
}

func NewPostgresSweepRepository(db *sql.DB) *PostgresSweepRepository {
	return &PostgresSweepRepository{db: db}
}

func (r *PostgresSweepRepository) CreateRun(ctx context.Context, run *sweep.Run) error {
	query := `INSERT INTO overdue_sweep_runs (id, trigger, started_at) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, run.ID, run.Trigger, run.StartedAt); err != nil {
		return fmt.Errorf("error creating sweep run: %w", err)
	}
	return nil
}

func (r *PostgresSweepRepository) FinishRun(ctx context.Context, run *sweep.Run) error {
	query := `UPDATE overdue_sweep_runs
               SET finished_at = $1, evaluated = $2, overdue = $3, failed_levels = $4,
                   dispatch_status = $5, status = $6, error = $7
               WHERE id = $8`
	failed := run.FailedLevels
	if failed == nil {
		failed = []string{}
	}
	res, err := r.db.ExecContext(ctx, query,
		run.FinishedAt, run.Evaluated, run.Overdue, pq.Array(failed),
		run.Dispatch, run.Status, run.Error, run.ID,
	)
	if err != nil {
		return fmt.Errorf("error finishing sweep run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSweepRunNotFound
	}
	return nil
}

func (r *PostgresSweepRepository) LatestRun(ctx context.Context) (*sweep.Run, error) {
	query := `SELECT id, trigger, started_at, finished_at, evaluated, overdue, failed_levels, dispatch_status, status, error
               FROM overdue_sweep_runs ORDER BY started_at DESC LIMIT 1`
	run := &sweep.Run{}
	var failed pq.StringArray
	err := r.db.QueryRowContext(ctx, query).Scan(
		&run.ID, &run.Trigger, &run.StartedAt, &run.FinishedAt, &run.Evaluated, &run.Overdue,
		&failed, &run.Dispatch, &run.Status, &run.Error,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSweepRunNotFound
		}
		return nil, fmt.Errorf("error getting latest sweep run: %w", err)
	}
	run.FailedLevels = failed
	return run, nil
}
