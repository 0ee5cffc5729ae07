package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"leadtracker/internal/apperr"
	"leadtracker/internal/domain/lead"
	"leadtracker/internal/domain/remind"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// ErrAdminNotAuthorized is returned when the caller is not the configured admin.
var ErrAdminNotAuthorized = errors.New("performing user is not authorized as an admin")

// LevelRecomputer re-derives need_followup for one intention level.
type LevelRecomputer interface {
	RecomputeLevel(ctx context.Context, level lead.IntentionLevel) (evaluated, overdue int, err error)
}

// ThresholdInvalidator drops cached thresholds.
type ThresholdInvalidator interface {
	Invalidate()
}

// RemindAdminService manages thresholds and digest recipients.
type RemindAdminService struct {
	repo       remind.Repository
	cache      ThresholdInvalidator
	recomputer LevelRecomputer
	adminID    int64
	validate   *validator.Validate
	logger     *logrus.Entry
}

func NewRemindAdminService(repo remind.Repository, cache ThresholdInvalidator, recomputer LevelRecomputer, adminID int64, logger *logrus.Entry) *RemindAdminService {
	return &RemindAdminService{
		repo:       repo,
		cache:      cache,
		recomputer: recomputer,
		adminID:    adminID,
		validate:   validator.New(),
		logger:     logger,
	}
}

// Authorize reports whether performingID may run admin operations.
func (s *RemindAdminService) Authorize(performingID int64) error {
	if s.adminID == 0 || performingID != s.adminID {
		return ErrAdminNotAuthorized
	}
	return nil
}

func (s *RemindAdminService) ListThresholds(ctx context.Context) ([]*remind.IntentionConfig, error) {
	configs, err := s.repo.ListConfigs(ctx)
	if err != nil {
		return nil, apperr.Transient("failed to list follow-up thresholds", err).WithOp("ListThresholds")
	}
	return configs, nil
}

// UpdateThreshold stores a new max idle days for level, drops the cached thresholds and
// re-derives need_followup for that level. The recompute is best effort; the next sweep
// converges anyway.
func (s *RemindAdminService) UpdateThreshold(ctx context.Context, level lead.IntentionLevel, days int) error {
	const op = "UpdateThreshold"
	if days <= 0 {
		return apperr.Validation(fmt.Sprintf("max idle days must be positive, got %d", days)).WithOp(op)
	}
	if err := s.repo.UpdateMaxIdleDays(ctx, level, days); err != nil {
		if errors.Is(err, remind.ErrConfigNotFound) {
			return apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("no threshold row for level %s", level), err).WithOp(op)
		}
		return apperr.Transient("failed to update follow-up threshold", err).WithOp(op)
	}
	s.cache.Invalidate()

	logCtx := s.logger.WithFields(logrus.Fields{"intention_level": level, "max_idle_days": days})
	logCtx.Info("Follow-up threshold updated")

	if s.recomputer == nil {
		return nil
	}
	evaluated, overdue, err := s.recomputer.RecomputeLevel(ctx, level)
	if err != nil {
		logCtx.WithError(err).Warn("Recompute after threshold change failed, next sweep will catch up")
		return nil
	}
	logCtx.WithFields(logrus.Fields{"evaluated": evaluated, "overdue": overdue}).Info("Intention level recomputed")
	return nil
}

func (s *RemindAdminService) ListRecipients(ctx context.Context) ([]*remind.Recipient, error) {
	recipients, err := s.repo.ListRecipients(ctx)
	if err != nil {
		return nil, apperr.Transient("failed to list reminder recipients", err).WithOp("ListRecipients")
	}
	return recipients, nil
}

func (s *RemindAdminService) AddRecipient(ctx context.Context, email string) (*remind.Recipient, error) {
	const op = "AddRecipient"
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.validate.Var(email, "required,email,max=255"); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, fmt.Sprintf("invalid email address %q", email), err).WithOp(op)
	}
	rc := &remind.Recipient{Email: email}
	if err := s.repo.AddRecipient(ctx, rc); err != nil {
		if errors.Is(err, remind.ErrDuplicateRecipient) {
			return nil, apperr.Wrap(apperr.KindConflict, fmt.Sprintf("%s is already a recipient", email), err).WithOp(op)
		}
		return nil, apperr.Transient("failed to add reminder recipient", err).WithOp(op)
	}
	s.logger.WithField("email", email).Info("Reminder recipient added")
	return rc, nil
}

func (s *RemindAdminService) RemoveRecipient(ctx context.Context, id int64) error {
	const op = "RemoveRecipient"
	if err := s.repo.RemoveRecipient(ctx, id); err != nil {
		if errors.Is(err, remind.ErrRecipientNotFound) {
			return apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("recipient %d does not exist", id), err).WithOp(op)
		}
		return apperr.Transient("failed to remove reminder recipient", err).WithOp(op)
	}
	s.logger.WithField("recipient_id", id).Info("Reminder recipient removed")
	return nil
}
