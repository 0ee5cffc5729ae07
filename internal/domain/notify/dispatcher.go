// Package notify defines the outbound contract for overdue reminders.
// Transport lives in internal/infra/notify.
package notify

import (
	"context"
	"errors"
	"time"

	"leadtracker/internal/domain/lead"
)

// OverdueLead is the per-lead payload of a reminder.
type OverdueLead struct {
	LeadID             int64
	CustomerLabel      string
	ContactInfo        string
	LastContactTime    time.Time
	LastContactContent string
	ResponsiblePerson  string
	IdleDays           int
	ThresholdDays      int
}

// Group holds the overdue leads of one intention level.
type Group struct {
	Level lead.IntentionLevel
	Leads []OverdueLead
}

// Digest is everything one sweep found overdue, grouped by intention level.
type Digest struct {
	GeneratedAt time.Time
	Groups      []Group
}

// Total counts leads across all groups.
func (d Digest) Total() int {
	n := 0
	for _, g := range d.Groups {
		n += len(g.Leads)
	}
	return n
}

// ErrNoRecipients means nobody was configured to receive the digest.
var ErrNoRecipients = errors.New("no reminder recipients configured")

// Dispatcher delivers a digest to recipients.
type Dispatcher interface {
	Dispatch(ctx context.Context, digest Digest, recipients []string) error
}

// NewDigest groups leads by level in lead.IntentionLevels order, dropping empty groups.
func NewDigest(at time.Time, byLevel map[lead.IntentionLevel][]OverdueLead) Digest {
	d := Digest{GeneratedAt: at}
	for _, level := range lead.IntentionLevels {
		if items := byLevel[level]; len(items) > 0 {
			d.Groups = append(d.Groups, Group{Level: level, Leads: items})
		}
	}
	return d
}
