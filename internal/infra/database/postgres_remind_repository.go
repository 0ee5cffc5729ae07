package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"leadtracker/internal/domain/lead"
	"leadtracker/internal/domain/remind"

	"github.com/lib/pq"
)

type PostgresRemindRepository struct {
	db *sql.DB
}

func NewPostgresRemindRepository(db *sql.DB) *PostgresRemindRepository {
	return &PostgresRemindRepository{db: db}
}

func (r *PostgresRemindRepository) ListConfigs(ctx context.Context) ([]*remind.IntentionConfig, error) {
	query := `SELECT id, intention_level, interval_days, updated_at FROM followup_remind_config ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error listing remind configs: %w", err)
	}
	defer rows.Close()

	configs := make([]*remind.IntentionConfig, 0, len(lead.IntentionLevels))
	for rows.Next() {
		c := &remind.IntentionConfig{}
		if err := rows.Scan(&c.ID, &c.IntentionLevel, &c.MaxIdleDays, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning remind config: %w", err)
		}
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating remind configs: %w", err)
	}
	return configs, nil
}

func (r *PostgresRemindRepository) UpdateMaxIdleDays(ctx context.Context, level lead.IntentionLevel, days int) error {
	query := `UPDATE followup_remind_config SET interval_days = $1, updated_at = NOW() WHERE intention_level = $2`
	res, err := r.db.ExecContext(ctx, query, days, level)
	if err != nil {
		return fmt.Errorf("error updating remind config for level %s: %w", level, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading affected rows: %w", err)
	}
	if n == 0 {
		return remind.ErrConfigNotFound
	}
	return nil
}

func (r *PostgresRemindRepository) ListRecipients(ctx context.Context) ([]*remind.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, email, updated_at FROM remind_email_list ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error listing remind recipients: %w", err)
	}
	defer rows.Close()

	recipients := make([]*remind.Recipient, 0)
	for rows.Next() {
		rc := &remind.Recipient{}
		if err := rows.Scan(&rc.ID, &rc.Email, &rc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning remind recipient: %w", err)
		}
		recipients = append(recipients, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating remind recipients: %w", err)
	}
	return recipients, nil
}

func (r *PostgresRemindRepository) AddRecipient(ctx context.Context, rc *remind.Recipient) error {
	query := `INSERT INTO remind_email_list (email) VALUES ($1) RETURNING id, updated_at`
	err := r.db.QueryRowContext(ctx, query, rc.Email).Scan(&rc.ID, &rc.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return remind.ErrDuplicateRecipient
		}
		return fmt.Errorf("error adding remind recipient: %w", err)
	}
	return nil
}

func (r *PostgresRemindRepository) RemoveRecipient(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM remind_email_list WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error removing remind recipient %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading affected rows: %w", err)
	}
	if n == 0 {
		return remind.ErrRecipientNotFound
	}
	return nil
}
