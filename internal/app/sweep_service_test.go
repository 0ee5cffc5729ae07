package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"leadtracker/internal/domain/lead"
	"leadtracker/internal/domain/notify"
	"leadtracker/internal/domain/remind"
	"leadtracker/internal/domain/sweep"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sweepFixture struct {
	leads      *memLeadRepo
	remind     *memRemindRepo
	runs       *memRunRepo
	dispatcher *recordingDispatcher
	svc        *SweepService
}

func newSweepFixture(thresholds ThresholdProvider, leads ...*lead.Lead) *sweepFixture {
	f := &sweepFixture{
		leads:      newMemLeadRepo(leads...),
		remind:     &memRemindRepo{recipients: []*remind.Recipient{{ID: 1, Email: "sales@example.com"}}},
		runs:       &memRunRepo{},
		dispatcher: &recordingDispatcher{},
	}
	f.svc = NewSweepService(SweepDeps{
		Leads:      f.leads,
		Recipients: f.remind,
		Runs:       f.runs,
		Thresholds: thresholds,
		Tx:         &inlineTx{},
		Dispatcher: f.dispatcher,
		Now:        fixedClock(testNow),
		Logger:     testLogger(),
	})
	return f
}

// A tracked lead with no journal is measured from its lead time.
func TestSweepFlagsLeadWithoutJournal(t *testing.T) {
	f := newSweepFixture(defaultThresholds, trackedLead(1, lead.IntentionHigh, daysAgo(5)))

	run, err := f.svc.Run(context.Background(), sweep.TriggerManual)
	require.NoError(t, err)
	assert.True(t, f.leads.lead(1).NeedFollowup)

	assert.Equal(t, sweep.StatusSucceeded, run.Status)
	assert.Equal(t, sweep.DispatchSent, run.Dispatch)
	assert.Equal(t, 1, run.Evaluated)
	assert.Equal(t, 1, run.Overdue)
	assert.True(t, run.FinishedAt.Valid)

	require.Len(t, f.dispatcher.digests, 1)
	d := f.dispatcher.digests[0]
	require.Len(t, d.Groups, 1)
	assert.Equal(t, lead.IntentionHigh, d.Groups[0].Level)
	item := d.Groups[0].Leads[0]
	assert.Equal(t, notify.OverdueLead{
		LeadID:            1,
		CustomerLabel:     "王先生",
		ContactInfo:       "13800000000",
		LastContactTime:   daysAgo(5),
		ResponsiblePerson: "alice",
		IdleDays:          5,
		ThresholdDays:     3,
	}, item)
	assert.Equal(t, []string{"sales@example.com"}, f.dispatcher.recipients[0])

	require.Len(t, f.runs.created, 1)
	require.Len(t, f.runs.finished, 1)
	assert.Equal(t, run.ID, f.runs.finished[0].ID)
}

func TestSweepMixedLeads(t *testing.T) {
	stale := trackedLead(2, lead.IntentionMedium, daysAgo(30))
	stale.NeedFollowup = true
	ended := untrackedLead(3, lead.IntentionHigh, daysAgo(30))
	ended.EndFollowup = true
	ended.EndFollowupReason = sql.NullString{String: "x", Valid: true}

	f := newSweepFixture(defaultThresholds,
		trackedLead(1, lead.IntentionHigh, daysAgo(2)),
		stale,
		ended,
		untrackedLead(4, lead.IntentionLow, daysAgo(60)),
		trackedLead(5, lead.IntentionLow, daysAgo(14)),
	)
	require.NoError(t, f.leads.AppendJournal(context.Background(), &lead.JournalEntry{
		LeadID: 2, OccurredAt: daysAgo(1), Method: "微信", Content: "发了报价",
	}))

	run, err := f.svc.Run(context.Background(), sweep.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 3, run.Evaluated)
	assert.Equal(t, 1, run.Overdue)
	assert.Equal(t, map[int64]bool{1: false, 2: false, 3: false, 4: false, 5: true}, f.leads.needSet())

	d := f.dispatcher.digests[0]
	require.Len(t, d.Groups, 1)
	assert.Equal(t, lead.IntentionLow, d.Groups[0].Level)
	assert.Equal(t, 14, d.Groups[0].Leads[0].ThresholdDays)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newSweepFixture(defaultThresholds,
		trackedLead(1, lead.IntentionHigh, daysAgo(5)),
		trackedLead(2, lead.IntentionHigh, daysAgo(1)),
		trackedLead(3, lead.IntentionMedium, daysAgo(7)),
	)

	_, err := f.svc.Run(context.Background(), sweep.TriggerStartup)
	require.NoError(t, err)
	first := f.leads.needSet()

	_, err = f.svc.Run(context.Background(), sweep.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, first, f.leads.needSet())
	assert.Equal(t, map[int64]bool{1: true, 2: false, 3: true}, first)
}

func TestSweepNothingOverdueSkipsDispatch(t *testing.T) {
	f := newSweepFixture(defaultThresholds, trackedLead(1, lead.IntentionHigh, daysAgo(0)))

	run, err := f.svc.Run(context.Background(), sweep.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, sweep.DispatchNotNeeded, run.Dispatch)
	assert.Empty(t, f.dispatcher.digests)
}

func TestSweepLevelFailureIsIsolated(t *testing.T) {
	f := newSweepFixture(defaultThresholds,
		trackedLead(1, lead.IntentionHigh, daysAgo(5)),
		trackedLead(2, lead.IntentionMedium, daysAgo(9)),
	)
	f.leads.failLevels[lead.IntentionHigh] = errors.New("statement timeout")

	run, err := f.svc.Run(context.Background(), sweep.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, sweep.StatusPartial, run.Status)
	assert.Equal(t, []string{string(lead.IntentionHigh)}, run.FailedLevels)
	assert.False(t, f.leads.lead(1).NeedFollowup)
	assert.True(t, f.leads.lead(2).NeedFollowup)
	assert.Equal(t, sweep.DispatchSent, run.Dispatch)
}

func TestSweepAllLevelsFailing(t *testing.T) {
	f := newSweepFixture(defaultThresholds, trackedLead(1, lead.IntentionHigh, daysAgo(5)))
	for _, level := range lead.IntentionLevels {
		f.leads.failLevels[level] = errors.New("connection reset")
	}

	run, err := f.svc.Run(context.Background(), sweep.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, sweep.StatusFailed, run.Status)
	assert.Len(t, run.FailedLevels, 3)
	assert.True(t, run.Error.Valid)
}

func TestSweepDispatchFailureKeepsFlags(t *testing.T) {
	f := newSweepFixture(defaultThresholds, trackedLead(1, lead.IntentionHigh, daysAgo(5)))
	f.dispatcher.err = errors.New("smtp: 421 try again later")

	run, err := f.svc.Run(context.Background(), sweep.TriggerSchedule)
	require.NoError(t, err)
	assert.True(t, f.leads.lead(1).NeedFollowup)
	assert.Equal(t, sweep.DispatchFailed, run.Dispatch)
	assert.Equal(t, sweep.StatusPartial, run.Status)
	assert.Contains(t, run.Error.String, "421")
}

func TestSweepWithoutRecipients(t *testing.T) {
	f := newSweepFixture(defaultThresholds, trackedLead(1, lead.IntentionHigh, daysAgo(5)))
	f.remind.recipients = nil

	run, err := f.svc.Run(context.Background(), sweep.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, sweep.DispatchNoRecipients, run.Dispatch)
	assert.Equal(t, sweep.StatusSucceeded, run.Status)
	assert.True(t, f.leads.lead(1).NeedFollowup)
}

// A level missing from the config falls back to the default threshold.
func TestSweepMissingLevelConfigUsesDefault(t *testing.T) {
	partial := staticThresholds{t: lead.Thresholds{lead.IntentionHigh: 3, lead.IntentionLow: 14}}
	f := newSweepFixture(partial,
		trackedLead(1, lead.IntentionMedium, daysAgo(3)),
		trackedLead(2, lead.IntentionMedium, daysAgo(2)),
	)

	run, err := f.svc.Run(context.Background(), sweep.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, sweep.StatusSucceeded, run.Status)
	assert.True(t, f.leads.lead(1).NeedFollowup)
	assert.False(t, f.leads.lead(2).NeedFollowup)
}

// A threshold store outage flags nothing and fails the run so the next trigger retries.
func TestSweepThresholdOutageFlagsNothing(t *testing.T) {
	f := newSweepFixture(staticThresholds{err: errors.New("db down")},
		trackedLead(1, lead.IntentionLow, daysAgo(4)),
		trackedLead(2, lead.IntentionMedium, daysAgo(5)),
	)

	run, err := f.svc.Run(context.Background(), sweep.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, sweep.StatusFailed, run.Status)
	assert.Equal(t, sweep.DispatchNotNeeded, run.Dispatch)
	assert.Len(t, run.FailedLevels, len(lead.IntentionLevels))
	assert.Zero(t, run.Overdue)
	assert.Contains(t, run.Error.String, "db down")
	assert.False(t, f.leads.lead(1).NeedFollowup)
	assert.False(t, f.leads.lead(2).NeedFollowup)
	assert.Empty(t, f.dispatcher.recipients)
}

// An ended lead is never flagged again.
func TestEndedLeadStaysClearAcrossSweeps(t *testing.T) {
	f := newSweepFixture(defaultThresholds, trackedLead(1, lead.IntentionHigh, daysAgo(5)))
	lifecycle := NewLifecycleService(f.leads, defaultThresholds, &inlineTx{}, fixedClock(testNow), testLogger(), nil)

	_, err := f.svc.Run(context.Background(), sweep.TriggerStartup)
	require.NoError(t, err)
	require.True(t, f.leads.lead(1).NeedFollowup)

	_, err = lifecycle.DisableTracking(context.Background(), nil, 1, "客户明确拒绝", nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.svc.Run(context.Background(), sweep.TriggerSchedule)
		require.NoError(t, err)
		l := f.leads.lead(1)
		assert.False(t, l.NeedFollowup)
		assert.True(t, l.EndFollowup)
	}
}

func TestSweepIsNotReentrant(t *testing.T) {
	f := newSweepFixture(defaultThresholds, trackedLead(1, lead.IntentionHigh, daysAgo(5)))
	block := make(chan struct{})
	f.leads.blockList = block

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.svc.Run(context.Background(), sweep.TriggerSchedule)
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		f.runs.mu.Lock()
		defer f.runs.mu.Unlock()
		return len(f.runs.created) == 1
	}, time.Second, 5*time.Millisecond)

	run, err := f.svc.Run(context.Background(), sweep.TriggerManual)
	assert.ErrorIs(t, err, ErrSweepInProgress)
	assert.Nil(t, run)

	close(block)
	wg.Wait()

	_, err = f.svc.Run(context.Background(), sweep.TriggerManual)
	assert.NoError(t, err, "lock released after the first sweep")
}

func TestSweepRecoversFromPanic(t *testing.T) {
	f := newSweepFixture(defaultThresholds, trackedLead(1, lead.IntentionHigh, daysAgo(5)))
	f.leads.panicLevel = lead.IntentionMedium

	run, err := f.svc.Run(context.Background(), sweep.TriggerSchedule)
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, sweep.StatusFailed, run.Status)
	require.Len(t, f.runs.finished, 1)
	assert.Equal(t, sweep.StatusFailed, f.runs.finished[0].Status)

	f.leads.panicLevel = ""
	_, err = f.svc.Run(context.Background(), sweep.TriggerManual)
	assert.NoError(t, err)
}

func TestRecomputeLevelDoesNotDispatch(t *testing.T) {
	f := newSweepFixture(defaultThresholds,
		trackedLead(1, lead.IntentionHigh, daysAgo(5)),
		trackedLead(2, lead.IntentionMedium, daysAgo(30)),
	)

	evaluated, overdue, err := f.svc.RecomputeLevel(context.Background(), lead.IntentionHigh)
	require.NoError(t, err)
	assert.Equal(t, 1, evaluated)
	assert.Equal(t, 1, overdue)
	assert.True(t, f.leads.lead(1).NeedFollowup)
	assert.False(t, f.leads.lead(2).NeedFollowup)
	assert.Empty(t, f.dispatcher.digests)
}
