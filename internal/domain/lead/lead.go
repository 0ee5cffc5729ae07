package lead

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// IntentionLevel is the coarse lead-quality tier that selects the follow-up threshold.
type IntentionLevel string

const (
	IntentionHigh   IntentionLevel = "高"
	IntentionMedium IntentionLevel = "中"
	IntentionLow    IntentionLevel = "低"
)

// IntentionLevels lists every level in sweep order.
var IntentionLevels = []IntentionLevel{IntentionHigh, IntentionMedium, IntentionLow}

var ErrUnknownIntentionLevel = errors.New("unknown intention level")

// ParseIntentionLevel accepts the stored labels as well as high/medium/low.
func ParseIntentionLevel(s string) (IntentionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "高", "high", "h":
		return IntentionHigh, nil
	case "中", "medium", "m":
		return IntentionMedium, nil
	case "低", "low", "l":
		return IntentionLow, nil
	}
	return "", ErrUnknownIntentionLevel
}

// English returns a stable ASCII name, used for metric labels.
func (l IntentionLevel) English() string {
	switch l {
	case IntentionHigh:
		return "high"
	case IntentionMedium:
		return "medium"
	case IntentionLow:
		return "low"
	}
	return "unknown"
}

// Lead is one row of customer_leads, reduced to the columns the follow-up lifecycle reads or writes.
//
// NeedFollowup is a materialized view of IsOverdue: it is only as fresh as the last sweep,
// RecordFollowUp or RecomputeOne that touched the row.
type Lead struct {
	ID               int64
	CustomerNickname string
	ContactAccount   string
	ContactName      sql.NullString
	FollowUpPerson   string
	AssignedUserID   sql.NullInt64
	IntentionLevel   IntentionLevel
	LeadTime         time.Time

	EnableFollowup        bool
	EndFollowup           bool
	EndFollowupReason     sql.NullString
	CurrentCycleCompleted bool
	NeedFollowup          bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the lead participates in overdue tracking.
func (l *Lead) Active() bool {
	return l.EnableFollowup && !l.EndFollowup
}

var (
	ErrEndedButNeedsFollowup    = errors.New("ended lead must not need follow-up")
	ErrDisabledButNeedsFollowup = errors.New("disabled lead must not need follow-up")
	ErrEndedWithoutReason       = errors.New("ended lead requires an end reason")
)

// CheckInvariants validates the lifecycle flag combinations.
func (l *Lead) CheckInvariants() error {
	var errs []error
	if l.EndFollowup && l.NeedFollowup {
		errs = append(errs, ErrEndedButNeedsFollowup)
	}
	if !l.EnableFollowup && l.NeedFollowup {
		errs = append(errs, ErrDisabledButNeedsFollowup)
	}
	if l.EndFollowup && (!l.EndFollowupReason.Valid || strings.TrimSpace(l.EndFollowupReason.String) == "") {
		errs = append(errs, ErrEndedWithoutReason)
	}
	return errors.Join(errs...)
}
