package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"leadtracker/internal/domain/lead"
	"leadtracker/internal/domain/notify"
	"leadtracker/internal/domain/remind"
	"leadtracker/internal/domain/sweep"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrSweepInProgress is returned when a sweep is requested while another one is running.
var ErrSweepInProgress = errors.New("overdue sweep already running")

// RecipientSource lists the addresses that receive overdue digests.
type RecipientSource interface {
	ListRecipients(ctx context.Context) ([]*remind.Recipient, error)
}

// SweepObserver receives sweep outcomes, e.g. for metrics.
type SweepObserver interface {
	LevelEvaluated(level lead.IntentionLevel, evaluated, overdue int, err error)
	SweepFinished(run *sweep.Run, elapsed time.Duration)
}

type nopSweepObserver struct{}

func (nopSweepObserver) LevelEvaluated(lead.IntentionLevel, int, int, error) {}
func (nopSweepObserver) SweepFinished(*sweep.Run, time.Duration)            {}

// SweepDeps groups the collaborators of SweepService.
type SweepDeps struct {
	Leads      lead.Repository
	Recipients RecipientSource
	Runs       sweep.Repository // optional
	Thresholds ThresholdProvider
	Tx         Transactor
	Dispatcher notify.Dispatcher
	Now        func() time.Time
	Logger     *logrus.Entry
	Observer   SweepObserver
}

// SweepService recomputes need_followup for every active lead and reports the overdue ones.
// Only one sweep runs at a time; lifecycle commands may run concurrently with it.
type SweepService struct {
	deps    SweepDeps
	running sync.Mutex
}

func NewSweepService(deps SweepDeps) *SweepService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Observer == nil {
		deps.Observer = nopSweepObserver{}
	}
	return &SweepService{deps: deps}
}

// levelResult is the in-memory outcome for one intention level.
type levelResult struct {
	evaluated int
	overdue   []notify.OverdueLead
}

// Run executes one sweep. Per-level and dispatch failures are recorded on the returned run
// rather than returned; an error is returned only when the sweep could not run at all.
func (s *SweepService) Run(ctx context.Context, trigger sweep.Trigger) (run *sweep.Run, err error) {
	if !s.running.TryLock() {
		s.deps.Logger.WithField("trigger", trigger).Warn("Overdue sweep still running, trigger skipped")
		return nil, ErrSweepInProgress
	}
	defer s.running.Unlock()

	started := s.deps.Now()
	run = &sweep.Run{
		ID:        uuid.New(),
		Trigger:   trigger,
		StartedAt: started,
		Dispatch:  sweep.DispatchNotNeeded,
		Status:    sweep.StatusSucceeded,
	}
	logCtx := s.deps.Logger.WithFields(logrus.Fields{"run_id": run.ID.String(), "trigger": trigger})
	logCtx.Info("Overdue sweep started")
	s.recordStart(ctx, run, logCtx)

	defer func() {
		if r := recover(); r != nil {
			logCtx.WithField("stack", string(debug.Stack())).Errorf("Overdue sweep panicked: %v", r)
			run.Status = sweep.StatusFailed
			run.Error = sql.NullString{String: fmt.Sprint(r), Valid: true}
			err = fmt.Errorf("overdue sweep panicked: %v", r)
		}
		s.finish(ctx, run, started, logCtx)
	}()

	byLevel := s.evaluateAll(ctx, run, logCtx)
	if run.Overdue > 0 {
		s.dispatch(ctx, run, notify.NewDigest(started, byLevel), logCtx)
	}
	return run, nil
}

// RecomputeLevel re-derives need_followup for the active leads of one level without
// notifying anyone. Used after a threshold change.
func (s *SweepService) RecomputeLevel(ctx context.Context, level lead.IntentionLevel) (evaluated, overdue int, err error) {
	thresholds, err := s.deps.Thresholds.Get(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read follow-up thresholds: %w", err)
	}
	res, err := s.evaluateLevel(ctx, level, thresholds, s.deps.Now())
	s.deps.Observer.LevelEvaluated(level, res.evaluated, len(res.overdue), err)
	if err != nil {
		return 0, 0, err
	}
	return res.evaluated, len(res.overdue), nil
}

func (s *SweepService) evaluateAll(ctx context.Context, run *sweep.Run, logCtx *logrus.Entry) map[lead.IntentionLevel][]notify.OverdueLead {
	// Without thresholds no level can be judged; the next trigger retries.
	thresholds, err := s.deps.Thresholds.Get(ctx)
	if err != nil {
		logCtx.WithError(err).Error("Follow-up thresholds unavailable, no lead flagged this run")
		for _, level := range lead.IntentionLevels {
			s.deps.Observer.LevelEvaluated(level, 0, 0, err)
			run.FailedLevels = append(run.FailedLevels, string(level))
		}
		run.Status = sweep.StatusFailed
		run.Error = sql.NullString{String: fmt.Sprintf("failed to read follow-up thresholds: %v", err), Valid: true}
		return nil
	}
	now := s.deps.Now()

	byLevel := make(map[lead.IntentionLevel][]notify.OverdueLead, len(lead.IntentionLevels))
	for _, level := range lead.IntentionLevels {
		res, err := s.evaluateLevel(ctx, level, thresholds, now)
		s.deps.Observer.LevelEvaluated(level, res.evaluated, len(res.overdue), err)
		if err != nil {
			logCtx.WithError(err).WithField("intention_level", level).Error("Sweep of intention level failed, continuing with remaining levels")
			run.FailedLevels = append(run.FailedLevels, string(level))
			continue
		}
		run.Evaluated += res.evaluated
		run.Overdue += len(res.overdue)
		byLevel[level] = res.overdue
		logCtx.WithFields(logrus.Fields{
			"intention_level": level,
			"evaluated":       res.evaluated,
			"overdue":         len(res.overdue),
		}).Info("Intention level swept")
	}

	switch {
	case len(run.FailedLevels) == len(lead.IntentionLevels):
		run.Status = sweep.StatusFailed
		run.Error = sql.NullString{String: "every intention level failed", Valid: true}
	case len(run.FailedLevels) > 0:
		run.Status = sweep.StatusPartial
	}
	return byLevel
}

// evaluateLevel reads the level's active leads and their latest contacts in two queries,
// evaluates in memory, then writes both flag sets in one transaction. The lead rows stay
// locked until commit, so a concurrent follow-up either lands before the journal read or
// waits and recomputes the flag itself.
func (s *SweepService) evaluateLevel(ctx context.Context, level lead.IntentionLevel, thresholds lead.Thresholds, now time.Time) (levelResult, error) {
	var res levelResult
	err := s.deps.Tx.WithinTx(ctx, func(tx *sql.Tx) error {
		repo := s.deps.Leads.WithTx(tx)

		leads, err := repo.ListActiveByLevel(ctx, level)
		if err != nil {
			return err
		}
		ids := make([]int64, len(leads))
		for i, l := range leads {
			ids[i] = l.ID
		}
		latest, err := repo.LatestJournalEntries(ctx, ids)
		if err != nil {
			return err
		}

		overdueIDs := make([]int64, 0)
		currentIDs := make([]int64, 0, len(leads))
		overdue := make([]notify.OverdueLead, 0)
		for _, l := range leads {
			entry := latest[l.ID]
			ev := lead.Evaluate(l, entry, thresholds, now)
			if !ev.Overdue {
				currentIDs = append(currentIDs, l.ID)
				continue
			}
			overdueIDs = append(overdueIDs, l.ID)
			item := notify.OverdueLead{
				LeadID:            l.ID,
				CustomerLabel:     l.CustomerNickname,
				ContactInfo:       l.ContactAccount,
				LastContactTime:   ev.ReferenceTime,
				ResponsiblePerson: l.FollowUpPerson,
				IdleDays:          ev.IdleDays,
				ThresholdDays:     ev.ThresholdDays,
			}
			if entry != nil {
				item.LastContactContent = entry.Content
			}
			overdue = append(overdue, item)
		}

		if _, err := repo.SetNeedFollowup(ctx, overdueIDs, true); err != nil {
			return err
		}
		if _, err := repo.SetNeedFollowup(ctx, currentIDs, false); err != nil {
			return err
		}
		res = levelResult{evaluated: len(leads), overdue: overdue}
		return nil
	})
	if err != nil {
		return levelResult{}, fmt.Errorf("sweep of level %s: %w", level, err)
	}
	return res, nil
}

// dispatch is best effort: the flags are already committed whatever happens here.
func (s *SweepService) dispatch(ctx context.Context, run *sweep.Run, digest notify.Digest, logCtx *logrus.Entry) {
	recipients, err := s.deps.Recipients.ListRecipients(ctx)
	if err != nil {
		s.dispatchFailed(run, logCtx, fmt.Errorf("failed to load reminder recipients: %w", err))
		return
	}
	emails := make([]string, 0, len(recipients))
	for _, r := range recipients {
		emails = append(emails, r.Email)
	}

	err = s.deps.Dispatcher.Dispatch(ctx, digest, emails)
	switch {
	case err == nil:
		run.Dispatch = sweep.DispatchSent
		logCtx.WithField("overdue", digest.Total()).Info("Overdue reminder dispatched")
	case errors.Is(err, notify.ErrNoRecipients):
		run.Dispatch = sweep.DispatchNoRecipients
		logCtx.Info("No reminder recipients configured, skipping dispatch")
	default:
		s.dispatchFailed(run, logCtx, err)
	}
}

func (s *SweepService) dispatchFailed(run *sweep.Run, logCtx *logrus.Entry, err error) {
	logCtx.WithError(err).Error("Overdue reminder dispatch failed, flags are kept")
	run.Dispatch = sweep.DispatchFailed
	if run.Status == sweep.StatusSucceeded {
		run.Status = sweep.StatusPartial
	}
	run.Error = sql.NullString{String: err.Error(), Valid: true}
}

func (s *SweepService) recordStart(ctx context.Context, run *sweep.Run, logCtx *logrus.Entry) {
	if s.deps.Runs == nil {
		return
	}
	if err := s.deps.Runs.CreateRun(ctx, run); err != nil {
		logCtx.WithError(err).Warn("Failed to record sweep run start")
	}
}

func (s *SweepService) finish(ctx context.Context, run *sweep.Run, started time.Time, logCtx *logrus.Entry) {
	finished := s.deps.Now()
	run.FinishedAt = sql.NullTime{Time: finished, Valid: true}
	elapsed := finished.Sub(started)

	if s.deps.Runs != nil {
		if err := s.deps.Runs.FinishRun(ctx, run); err != nil {
			logCtx.WithError(err).Warn("Failed to record sweep run result")
		}
	}
	s.deps.Observer.SweepFinished(run, elapsed)

	logCtx.WithFields(logrus.Fields{
		"status":        run.Status,
		"evaluated":     run.Evaluated,
		"overdue":       run.Overdue,
		"failed_levels": run.FailedLevels,
		"dispatch":      run.Dispatch,
		"elapsed":       elapsed.String(),
	}).Info("Overdue sweep finished")
}
