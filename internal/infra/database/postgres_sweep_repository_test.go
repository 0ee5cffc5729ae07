package database

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"leadtracker/internal/domain/sweep"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSweepRepo(t *testing.T) (*PostgresSweepRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresSweepRepository(db), mock
}

func TestCreateAndFinishRun(t *testing.T) {
	repo, mock := newMockSweepRepo(t)
	started := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	run := &sweep.Run{ID: uuid.New(), Trigger: sweep.TriggerSchedule, StartedAt: started}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO overdue_sweep_runs")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), started).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE overdue_sweep_runs")).
		WithArgs(sqlmock.AnyArg(), 12, 3, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateRun(context.Background(), run))

	run.FinishedAt = sql.NullTime{Time: started.Add(time.Second), Valid: true}
	run.Evaluated, run.Overdue = 12, 3
	run.Dispatch = sweep.DispatchSent
	run.Status = sweep.StatusSucceeded
	require.NoError(t, repo.FinishRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishUnknownRun(t *testing.T) {
	repo, mock := newMockSweepRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE overdue_sweep_runs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.FinishRun(context.Background(), &sweep.Run{ID: uuid.New()})
	assert.ErrorIs(t, err, ErrSweepRunNotFound)
}

func TestLatestRun(t *testing.T) {
	repo, mock := newMockSweepRepo(t)
	id := uuid.New()
	started := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM overdue_sweep_runs ORDER BY started_at DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "trigger", "started_at", "finished_at", "evaluated", "overdue",
			"failed_levels", "dispatch_status", "status", "error",
		}).AddRow(
			id.String(), "SCHEDULE", started, started.Add(2*time.Second), 20, 4,
			[]byte("{低}"), "SENT", "PARTIAL", "level 低: timeout",
		))

	run, err := repo.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, sweep.TriggerSchedule, run.Trigger)
	assert.Equal(t, sweep.StatusPartial, run.Status)
	assert.Equal(t, sweep.DispatchSent, run.Dispatch)
	assert.Equal(t, []string{"低"}, run.FailedLevels)
	assert.Equal(t, 4, run.Overdue)
	assert.True(t, run.FinishedAt.Valid)
	assert.Equal(t, "level 低: timeout", run.Error.String)
}

func TestLatestRunEmpty(t *testing.T) {
	repo, mock := newMockSweepRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM overdue_sweep_runs")).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.LatestRun(context.Background())
	assert.ErrorIs(t, err, ErrSweepRunNotFound)
}
