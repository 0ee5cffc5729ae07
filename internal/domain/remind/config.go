// Package remind holds the overdue-reminder settings: per-level thresholds and recipients.
package remind

import (
	"context"
	"errors"
	"time"

	"leadtracker/internal/domain/lead"
)

// IntentionConfig is one followup_remind_config row.
type IntentionConfig struct {
	ID             int32
	IntentionLevel lead.IntentionLevel
	MaxIdleDays    int
	UpdatedAt      time.Time
}

// Recipient is one remind_email_list row.
type Recipient struct {
	ID        int64
	Email     string
	UpdatedAt time.Time
}

// Repository defines operations for reminder thresholds and the recipient list.
type Repository interface {
	ListConfigs(ctx context.Context) ([]*IntentionConfig, error)
	// UpdateMaxIdleDays fails with a not-found error when the level has no row.
	UpdateMaxIdleDays(ctx context.Context, level lead.IntentionLevel, days int) error

	ListRecipients(ctx context.Context) ([]*Recipient, error)
	AddRecipient(ctx context.Context, r *Recipient) error
	RemoveRecipient(ctx context.Context, id int64) error
}

// Thresholds converts config rows into the map consumed by lead.Evaluate.
func Thresholds(configs []*IntentionConfig) lead.Thresholds {
	t := make(lead.Thresholds, len(configs))
	for _, c := range configs {
		t[c.IntentionLevel] = c.MaxIdleDays
	}
	return t
}

var (
	ErrConfigNotFound     = errors.New("remind config not found for intention level")
	ErrRecipientNotFound  = errors.New("remind recipient not found")
	ErrDuplicateRecipient = errors.New("remind recipient already exists")
)
