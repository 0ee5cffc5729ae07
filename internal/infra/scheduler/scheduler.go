package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"leadtracker/internal/app"
	"leadtracker/internal/domain/sweep"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper runs one overdue sweep.
type Sweeper interface {
	Run(ctx context.Context, trigger sweep.Trigger) (*sweep.Run, error)
}

// DailySlots fires at fixed wall-clock times every day in loc.
type DailySlots struct {
	slots []time.Duration // offsets from midnight, sorted, unique
	loc   *time.Location
}

// ParseDailySlots parses "HH:MM" entries such as "09:00" or "16:30".
func ParseDailySlots(times []string, loc *time.Location) (*DailySlots, error) {
	if loc == nil {
		loc = time.Local
	}
	seen := make(map[time.Duration]bool, len(times))
	slots := make([]time.Duration, 0, len(times))
	for _, raw := range times {
		t, err := time.Parse("15:04", strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid remind time %q: want HH:MM", raw)
		}
		off := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
		if !seen[off] {
			seen[off] = true
			slots = append(slots, off)
		}
	}
	if len(slots) == 0 {
		return nil, errors.New("at least one remind time is required")
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return &DailySlots{slots: slots, loc: loc}, nil
}

// Next implements cron.Schedule. Slots are resolved with time.Date so they keep their
// wall-clock meaning across DST changes.
func (d *DailySlots) Next(after time.Time) time.Time {
	local := after.In(d.loc)
	y, m, day := local.Date()
	for i := 0; i < 2; i++ {
		for _, off := range d.slots {
			h := int(off / time.Hour)
			minute := int((off % time.Hour) / time.Minute)
			candidate := time.Date(y, m, day+i, h, minute, 0, 0, d.loc)
			if candidate.After(after) {
				return candidate
			}
		}
	}
	// Unreachable with at least one slot; keeps the signature total.
	return time.Date(y, m, day+2, 0, 0, 0, 0, d.loc)
}

// SweepScheduler triggers overdue sweeps on a daily schedule and once at start-up.
type SweepScheduler struct {
	cronEngine   *cron.Cron
	sweeper      Sweeper
	schedule     cron.Schedule
	runOnStartup bool
	jobTimeout   time.Duration
	logger       *logrus.Entry
	startup      sync.WaitGroup
}

func NewSweepScheduler(sweeper Sweeper, schedule *DailySlots, runOnStartup bool, logger *logrus.Entry) *SweepScheduler {
	cronLogger := cronLogAdapter{entry: logger}
	return &SweepScheduler{
		cronEngine: cron.New(
			cron.WithLocation(schedule.loc),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		sweeper:      sweeper,
		schedule:     schedule,
		runOnStartup: runOnStartup,
		jobTimeout:   30 * time.Minute,
		logger:       logger,
	}
}

func (s *SweepScheduler) Start() {
	s.logger.Info("Starting overdue sweep scheduler...")

	s.cronEngine.Schedule(s.schedule, cron.FuncJob(func() {
		s.logger.Info("Cron job triggered for overdue sweep.")
		s.execute(sweep.TriggerSchedule)
	}))
	s.cronEngine.Start()

	if s.runOnStartup {
		s.startup.Add(1)
		go func() {
			defer s.startup.Done()
			s.execute(sweep.TriggerStartup)
		}()
	}
	s.logger.WithField("next_run", s.schedule.Next(time.Now()).Format(time.RFC3339)).Info("Overdue sweep scheduler started.")
}

func (s *SweepScheduler) execute(trigger sweep.Trigger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	logCtx := s.logger.WithField("trigger", trigger)
	run, err := s.sweeper.Run(ctx, trigger)
	switch {
	case errors.Is(err, app.ErrSweepInProgress):
		logCtx.Info("Previous sweep still running, skipping this trigger.")
	case err != nil:
		logCtx.WithError(err).Error("Overdue sweep failed")
	default:
		logCtx.WithField("status", run.Status).Debug("Overdue sweep completed")
	}
}

// Stop stops the scheduler from adding new jobs and waits for running jobs,
// including the start-up sweep.
func (s *SweepScheduler) Stop() {
	s.logger.Info("Stopping overdue sweep scheduler...")
	ctx := s.cronEngine.Stop()
	<-ctx.Done()
	s.startup.Wait()
	s.logger.Info("Overdue sweep scheduler gracefully stopped.")
}

// cronLogAdapter routes cron's key/value logs into logrus.
type cronLogAdapter struct {
	entry *logrus.Entry
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.entry.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.entry.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
