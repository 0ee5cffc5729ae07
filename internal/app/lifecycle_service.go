package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadtracker/internal/apperr"
	"leadtracker/internal/domain/lead"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Transactor runs fn inside a database transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// ThresholdProvider returns the current per-level thresholds.
type ThresholdProvider interface {
	Get(ctx context.Context) (lead.Thresholds, error)
}

// CommandObserver is told about every finished lifecycle command.
type CommandObserver interface {
	CommandFinished(op string, err error)
}

type nopCommandObserver struct{}

func (nopCommandObserver) CommandFinished(string, error) {}

// LifecycleService implements the follow-up lifecycle transitions.
//
// Every command accepts the caller's transaction. With a nil tx the service opens and
// commits its own, so the lead row and its journal are always written atomically.
type LifecycleService struct {
	leads      lead.Repository
	thresholds ThresholdProvider
	tx         Transactor
	validate   *validator.Validate
	now        func() time.Time
	logger     *logrus.Entry
	observer   CommandObserver
}

func NewLifecycleService(
	leads lead.Repository,
	thresholds ThresholdProvider,
	tx Transactor,
	now func() time.Time,
	logger *logrus.Entry,
	observer CommandObserver,
) *LifecycleService {
	if now == nil {
		now = time.Now
	}
	if observer == nil {
		observer = nopCommandObserver{}
	}
	return &LifecycleService{
		leads:      leads,
		thresholds: thresholds,
		tx:         tx,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        now,
		logger:     logger,
		observer:   observer,
	}
}

// EnableTracking starts overdue tracking for a lead. The initial contact is mandatory and is
// journaled in the same transaction, which completes the freshly opened cycle.
func (s *LifecycleService) EnableTracking(ctx context.Context, tx *sql.Tx, leadID int64, first lead.Contact) (*lead.Lead, error) {
	const op = "EnableTracking"
	var out *lead.Lead
	err := s.command(ctx, tx, op, leadID, func(repo lead.Repository) error {
		first = normalizeContact(first)
		if err := s.validateContact(first); err != nil {
			return apperr.Wrap(apperr.KindValidation, "enabling follow-up requires an initial contact with method and content", err).WithOp(op)
		}

		l, err := lockLead(ctx, repo, leadID, op)
		if err != nil {
			return err
		}
		if l.EnableFollowup {
			return apperr.Conflict(fmt.Sprintf("follow-up tracking is already enabled for lead %d", leadID)).WithOp(op)
		}

		l.EnableFollowup = true
		l.EndFollowup = false
		l.EndFollowupReason = sql.NullString{}
		l.CurrentCycleCompleted = false

		entry := first.Entry(leadID, s.now())
		if err := repo.AppendJournal(ctx, entry); err != nil {
			return apperr.Transient("failed to journal initial contact", err).WithOp(op)
		}
		l.CurrentCycleCompleted = true

		if err := s.recompute(ctx, repo, l, entry, op); err != nil {
			return err
		}
		if err := save(ctx, repo, l, op); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// DisableTracking ends tracking permanently. A termination entry is always journaled:
// the supplied contact, or a system entry carrying the reason.
func (s *LifecycleService) DisableTracking(ctx context.Context, tx *sql.Tx, leadID int64, reason string, contact *lead.Contact) (*lead.Lead, error) {
	const op = "DisableTracking"
	var out *lead.Lead
	err := s.command(ctx, tx, op, leadID, func(repo lead.Repository) error {
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return apperr.Validation("ending follow-up requires a non-empty reason").WithOp(op)
		}
		var entry *lead.JournalEntry
		if contact != nil {
			c := normalizeContact(*contact)
			if err := s.validateContact(c); err != nil {
				return apperr.Wrap(apperr.KindValidation, "termination contact needs method and content", err).WithOp(op)
			}
			entry = c.Entry(leadID, s.now())
		} else {
			entry = &lead.JournalEntry{
				LeadID:     leadID,
				OccurredAt: s.now(),
				Method:     lead.MethodSystem,
				Content:    "终结跟进：" + reason,
				Outcome:    "终结",
				ActorID:    lead.SystemActorID,
			}
		}

		l, err := lockLead(ctx, repo, leadID, op)
		if err != nil {
			return err
		}

		l.EndFollowup = true
		l.EndFollowupReason = sql.NullString{String: reason, Valid: true}
		l.EnableFollowup = false
		l.CurrentCycleCompleted = true
		l.NeedFollowup = false

		if err := repo.AppendJournal(ctx, entry); err != nil {
			return apperr.Transient("failed to journal termination", err).WithOp(op)
		}
		if err := save(ctx, repo, l, op); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// RecordFollowUp journals a contact and recomputes need_followup right away.
// It works on any lead; for untracked or ended leads need_followup simply stays false.
func (s *LifecycleService) RecordFollowUp(ctx context.Context, tx *sql.Tx, leadID int64, contact lead.Contact) (*lead.Lead, *lead.JournalEntry, error) {
	const op = "RecordFollowUp"
	var (
		out   *lead.Lead
		entry *lead.JournalEntry
	)
	err := s.command(ctx, tx, op, leadID, func(repo lead.Repository) error {
		contact = normalizeContact(contact)
		if err := s.validateContact(contact); err != nil {
			return apperr.Wrap(apperr.KindValidation, "follow-up needs method and content", err).WithOp(op)
		}

		l, err := lockLead(ctx, repo, leadID, op)
		if err != nil {
			return err
		}

		e := contact.Entry(leadID, s.now())
		if err := repo.AppendJournal(ctx, e); err != nil {
			return apperr.Transient("failed to journal follow-up", err).WithOp(op)
		}
		l.CurrentCycleCompleted = true

		if err := s.recompute(ctx, repo, l, e, op); err != nil {
			return err
		}
		if err := save(ctx, repo, l, op); err != nil {
			return err
		}
		out, entry = l, e
		return nil
	})
	return out, entry, err
}

// RecomputeOne re-derives need_followup for one lead. Idempotent.
func (s *LifecycleService) RecomputeOne(ctx context.Context, tx *sql.Tx, leadID int64) (*lead.Lead, error) {
	const op = "RecomputeOne"
	var out *lead.Lead
	err := s.command(ctx, tx, op, leadID, func(repo lead.Repository) error {
		l, err := lockLead(ctx, repo, leadID, op)
		if err != nil {
			return err
		}
		before := l.NeedFollowup
		if err := s.recompute(ctx, repo, l, nil, op); err != nil {
			return err
		}
		if l.NeedFollowup != before {
			if err := save(ctx, repo, l, op); err != nil {
				return err
			}
		}
		out = l
		return nil
	})
	return out, err
}

func (s *LifecycleService) command(ctx context.Context, tx *sql.Tx, op string, leadID int64, fn func(repo lead.Repository) error) error {
	var err error
	if tx != nil {
		err = fn(s.leads.WithTx(tx))
	} else {
		err = s.tx.WithinTx(ctx, func(own *sql.Tx) error {
			return fn(s.leads.WithTx(own))
		})
		var ae *apperr.Error
		if err != nil && !errors.As(err, &ae) {
			err = apperr.Transient("transaction failed", err).WithOp(op)
		}
	}

	logCtx := s.logger.WithFields(logrus.Fields{"op": op, "lead_id": leadID})
	switch kind := apperr.GetKind(err); {
	case err == nil:
		logCtx.Debug("Lifecycle command applied")
	case kind == apperr.KindTransient || kind == apperr.KindUnknown:
		logCtx.WithError(err).Error("Lifecycle command failed")
	default:
		logCtx.WithError(err).WithField("kind", kind.String()).Info("Lifecycle command rejected")
	}
	s.observer.CommandFinished(op, err)
	return err
}

// recompute sets l.NeedFollowup from the newest journal entry. appended may be nil; a
// back-dated contact never hides a newer entry already in the journal.
func (s *LifecycleService) recompute(ctx context.Context, repo lead.Repository, l *lead.Lead, appended *lead.JournalEntry, op string) error {
	latest, err := repo.LatestJournalEntry(ctx, l.ID)
	if err != nil {
		return apperr.Transient("failed to read latest follow-up", err).WithOp(op)
	}
	thresholds, err := s.thresholds.Get(ctx)
	if err != nil {
		return apperr.Transient("failed to read follow-up thresholds", err).WithOp(op)
	}
	l.NeedFollowup = lead.IsOverdue(l, lead.Latest(latest, appended), thresholds, s.now())
	return nil
}

func (s *LifecycleService) validateContact(c lead.Contact) error {
	return s.validate.Struct(c)
}

func normalizeContact(c lead.Contact) lead.Contact {
	c.Method = strings.TrimSpace(c.Method)
	c.Content = strings.TrimSpace(c.Content)
	c.Outcome = strings.TrimSpace(c.Outcome)
	return c
}

func lockLead(ctx context.Context, repo lead.Repository, leadID int64, op string) (*lead.Lead, error) {
	l, err := repo.GetForUpdate(ctx, leadID)
	if err != nil {
		if errors.Is(err, lead.ErrNotFound) {
			return nil, apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("lead %d does not exist", leadID), err).WithOp(op)
		}
		return nil, apperr.Transient("failed to load lead", err).WithOp(op)
	}
	return l, nil
}

func save(ctx context.Context, repo lead.Repository, l *lead.Lead, op string) error {
	if err := l.CheckInvariants(); err != nil {
		return apperr.Wrap(apperr.KindUnknown, "lifecycle invariant violated", err).WithOp(op)
	}
	if err := repo.UpdateLifecycle(ctx, l); err != nil {
		if errors.Is(err, lead.ErrNotFound) {
			return apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("lead %d does not exist", l.ID), err).WithOp(op)
		}
		return apperr.Transient("failed to save lead", err).WithOp(op)
	}
	return nil
}
