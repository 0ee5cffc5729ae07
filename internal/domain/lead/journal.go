package lead

import (
	"time"
)

// SystemActorID marks journal entries written by the tracker itself.
const SystemActorID int64 = 0

// Method used for synthesized termination entries.
const MethodSystem = "系统"

// JournalEntry is one append-only follow_up_records row.
type JournalEntry struct {
	ID         int64
	LeadID     int64
	OccurredAt time.Time
	Method     string
	Content    string
	Outcome    string
	ActorID    int64
	CreatedAt  time.Time
}

// Contact is a follow-up event supplied by the caller of a lifecycle command.
// A zero OccurredAt means "now".
type Contact struct {
	OccurredAt time.Time
	Method     string `validate:"required,max=50"`
	Content    string `validate:"required,max=5000"`
	Outcome    string `validate:"max=100"`
	ActorID    int64  `validate:"gte=0"`
}

// Entry turns the contact into a journal entry for leadID.
func (c Contact) Entry(leadID int64, now time.Time) *JournalEntry {
	at := c.OccurredAt
	if at.IsZero() {
		at = now
	}
	return &JournalEntry{
		LeadID:     leadID,
		OccurredAt: at,
		Method:     c.Method,
		Content:    c.Content,
		Outcome:    c.Outcome,
		ActorID:    c.ActorID,
	}
}

// Latest returns whichever entry occurred last. Either may be nil.
func Latest(a, b *JournalEntry) *JournalEntry {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.OccurredAt.After(a.OccurredAt):
		return b
	default:
		return a
	}
}
