package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"leadtracker/internal/domain/lead"

	"github.com/lib/pq" // For pq.Array
)

const leadColumns = `id, customer_nickname, contact_account, contact_name, follow_up_person, assigned_user_id,
       intention_level, lead_time, enable_followup, end_followup, end_followup_reason,
       current_cycle_completed, need_followup, created_at, updated_at`

const journalColumns = `id, lead_id, follow_up_time, follow_up_method, COALESCE(follow_up_content, ''),
       COALESCE(follow_up_result, ''), follow_up_person_id, created_at`

type PostgresLeadRepository struct {
	db dbtx
}

func NewPostgresLeadRepository(db *sql.DB) *PostgresLeadRepository {
	return &PostgresLeadRepository{db: db}
}

// WithTx returns a copy of the repository that runs every statement on tx.
func (r *PostgresLeadRepository) WithTx(tx *sql.Tx) lead.Repository {
	if tx == nil {
		return r
	}
	return &PostgresLeadRepository{db: tx}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (*lead.Lead, error) {
	l := &lead.Lead{}
	err := row.Scan(
		&l.ID, &l.CustomerNickname, &l.ContactAccount, &l.ContactName, &l.FollowUpPerson, &l.AssignedUserID,
		&l.IntentionLevel, &l.LeadTime, &l.EnableFollowup, &l.EndFollowup, &l.EndFollowupReason,
		&l.CurrentCycleCompleted, &l.NeedFollowup, &l.CreatedAt, &l.UpdatedAt,
	)
	return l, err
}

func scanJournalEntry(row rowScanner) (*lead.JournalEntry, error) {
	e := &lead.JournalEntry{}
	err := row.Scan(&e.ID, &e.LeadID, &e.OccurredAt, &e.Method, &e.Content, &e.Outcome, &e.ActorID, &e.CreatedAt)
	return e, err
}

func (r *PostgresLeadRepository) getOne(ctx context.Context, query string, id int64) (*lead.Lead, error) {
	l, err := scanLead(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, lead.ErrNotFound
		}
		return nil, fmt.Errorf("error getting lead %d: %w", id, err)
	}
	return l, nil
}

func (r *PostgresLeadRepository) GetByID(ctx context.Context, id int64) (*lead.Lead, error) {
	return r.getOne(ctx, `SELECT `+leadColumns+` FROM customer_leads WHERE id = $1`, id)
}

func (r *PostgresLeadRepository) GetForUpdate(ctx context.Context, id int64) (*lead.Lead, error) {
	return r.getOne(ctx, `SELECT `+leadColumns+` FROM customer_leads WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresLeadRepository) UpdateLifecycle(ctx context.Context, l *lead.Lead) error {
	query := `UPDATE customer_leads
               SET enable_followup = $1, end_followup = $2, end_followup_reason = $3,
                   current_cycle_completed = $4, need_followup = $5, updated_at = NOW()
               WHERE id = $6
               RETURNING updated_at`
	err := r.db.QueryRowContext(ctx, query,
		l.EnableFollowup, l.EndFollowup, l.EndFollowupReason, l.CurrentCycleCompleted, l.NeedFollowup, l.ID,
	).Scan(&l.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lead.ErrNotFound
		}
		return fmt.Errorf("error updating lifecycle of lead %d: %w", l.ID, err)
	}
	return nil
}

func (r *PostgresLeadRepository) AppendJournal(ctx context.Context, e *lead.JournalEntry) error {
	query := `INSERT INTO follow_up_records (lead_id, follow_up_time, follow_up_method, follow_up_content, follow_up_result, follow_up_person_id)
               VALUES ($1, $2, $3, $4, $5, $6)
               RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query, e.LeadID, e.OccurredAt, e.Method, e.Content, e.Outcome, e.ActorID).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return lead.ErrNotFound
		}
		return fmt.Errorf("error appending follow-up for lead %d: %w", e.LeadID, err)
	}
	return nil
}

func (r *PostgresLeadRepository) LatestJournalEntry(ctx context.Context, leadID int64) (*lead.JournalEntry, error) {
	query := `SELECT ` + journalColumns + `
               FROM follow_up_records
               WHERE lead_id = $1
               ORDER BY follow_up_time DESC, id DESC
               LIMIT 1`
	e, err := scanJournalEntry(r.db.QueryRowContext(ctx, query, leadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting latest follow-up for lead %d: %w", leadID, err)
	}
	return e, nil
}

func (r *PostgresLeadRepository) LatestJournalEntries(ctx context.Context, leadIDs []int64) (map[int64]*lead.JournalEntry, error) {
	latest := make(map[int64]*lead.JournalEntry, len(leadIDs))
	if len(leadIDs) == 0 {
		return latest, nil
	}

	query := `SELECT DISTINCT ON (lead_id) ` + journalColumns + `
               FROM follow_up_records
               WHERE lead_id = ANY($1)
               ORDER BY lead_id, follow_up_time DESC, id DESC`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(leadIDs))
	if err != nil {
		return nil, fmt.Errorf("error querying latest follow-ups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanJournalEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning follow-up row: %w", err)
		}
		latest[e.LeadID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating follow-up rows: %w", err)
	}
	return latest, nil
}

// ListActiveByLevel locks the returned rows until the surrounding transaction ends, so a
// lifecycle command on one of them waits for the sweep instead of being overwritten by it.
func (r *PostgresLeadRepository) ListActiveByLevel(ctx context.Context, level lead.IntentionLevel) ([]*lead.Lead, error) {
	query := `SELECT ` + leadColumns + `
               FROM customer_leads
               WHERE intention_level = $1 AND enable_followup AND NOT end_followup
               ORDER BY id
               FOR UPDATE`
	rows, err := r.db.QueryContext(ctx, query, level)
	if err != nil {
		return nil, fmt.Errorf("error listing active leads for level %s: %w", level, err)
	}
	defer rows.Close()

	leads := make([]*lead.Lead, 0)
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning lead row: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lead rows: %w", err)
	}
	return leads, nil
}

// SetNeedFollowup only touches rows that are still active, so a lead ended after
// the sweep read it keeps need_followup = false.
func (r *PostgresLeadRepository) SetNeedFollowup(ctx context.Context, ids []int64, need bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `UPDATE customer_leads
               SET need_followup = $1, updated_at = NOW()
               WHERE id = ANY($2) AND enable_followup AND NOT end_followup AND need_followup <> $1`
	res, err := r.db.ExecContext(ctx, query, need, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("error setting need_followup=%t for %d leads: %w", need, len(ids), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error reading affected rows: %w", err)
	}
	return n, nil
}
