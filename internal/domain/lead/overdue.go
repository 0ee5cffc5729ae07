package lead

import "time"

// DefaultThresholdDays applies when no positive threshold is configured for a level.
const DefaultThresholdDays = 3

// Thresholds maps an intention level to its maximum allowed idle days.
type Thresholds map[IntentionLevel]int

// For returns the threshold for level and whether it came from configuration.
func (t Thresholds) For(level IntentionLevel) (int, bool) {
	if days, ok := t[level]; ok && days > 0 {
		return days, true
	}
	return DefaultThresholdDays, false
}

// Evaluation is the outcome of the overdue rule for one lead.
type Evaluation struct {
	Overdue       bool
	IdleDays      int
	ThresholdDays int
	ReferenceTime time.Time
}

// Evaluate applies the overdue rule. It performs no I/O and is total:
// every well-typed input yields an answer.
func Evaluate(l *Lead, latest *JournalEntry, t Thresholds, now time.Time) Evaluation {
	ref := l.LeadTime
	if latest != nil {
		ref = latest.OccurredAt
	}
	threshold, _ := t.For(l.IntentionLevel)
	ev := Evaluation{
		IdleDays:      IdleDays(ref, now),
		ThresholdDays: threshold,
		ReferenceTime: ref,
	}
	if l.EndFollowup || !l.EnableFollowup {
		return ev
	}
	ev.Overdue = ev.IdleDays >= threshold
	return ev
}

// IsOverdue reports whether the lead currently needs a follow-up.
func IsOverdue(l *Lead, latest *JournalEntry, t Thresholds, now time.Time) bool {
	return Evaluate(l, latest, t, now).Overdue
}

// IdleDays counts calendar days between ref and now in now's location.
// Time of day is ignored; a ref later than now gives a negative count.
func IdleDays(ref, now time.Time) int {
	loc := now.Location()
	return civilDay(now.In(loc)) - civilDay(ref.In(loc))
}

func civilDay(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}
