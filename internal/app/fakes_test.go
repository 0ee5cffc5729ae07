package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"leadtracker/internal/domain/lead"
	"leadtracker/internal/domain/notify"
	"leadtracker/internal/domain/remind"
	"leadtracker/internal/domain/sweep"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// memLeadRepo is an in-memory lead.Repository. Reads return copies so callers
// observe only what was saved.
type memLeadRepo struct {
	mu         sync.Mutex
	leads      map[int64]*lead.Lead
	journal    []*lead.JournalEntry
	nextID     int64
	updates    int
	failLevels map[lead.IntentionLevel]error
	panicLevel lead.IntentionLevel
	blockList  chan struct{}
}

func newMemLeadRepo(leads ...*lead.Lead) *memLeadRepo {
	r := &memLeadRepo{leads: make(map[int64]*lead.Lead), failLevels: make(map[lead.IntentionLevel]error)}
	for _, l := range leads {
		cp := *l
		r.leads[l.ID] = &cp
	}
	return r
}

func (r *memLeadRepo) WithTx(*sql.Tx) lead.Repository { return r }

func (r *memLeadRepo) get(id int64) (*lead.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	if !ok {
		return nil, lead.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *memLeadRepo) GetByID(_ context.Context, id int64) (*lead.Lead, error) { return r.get(id) }

func (r *memLeadRepo) GetForUpdate(_ context.Context, id int64) (*lead.Lead, error) {
	return r.get(id)
}

func (r *memLeadRepo) UpdateLifecycle(_ context.Context, l *lead.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.leads[l.ID]; !ok {
		return lead.ErrNotFound
	}
	cp := *l
	r.leads[l.ID] = &cp
	r.updates++
	return nil
}

func (r *memLeadRepo) AppendJournal(_ context.Context, e *lead.JournalEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.leads[e.LeadID]; !ok {
		return lead.ErrNotFound
	}
	r.nextID++
	e.ID = r.nextID
	cp := *e
	r.journal = append(r.journal, &cp)
	return nil
}

func (r *memLeadRepo) latestLocked(leadID int64) *lead.JournalEntry {
	var latest *lead.JournalEntry
	for _, e := range r.journal {
		if e.LeadID != leadID {
			continue
		}
		if latest == nil || e.OccurredAt.After(latest.OccurredAt) ||
			(e.OccurredAt.Equal(latest.OccurredAt) && e.ID > latest.ID) {
			latest = e
		}
	}
	return latest
}

func (r *memLeadRepo) LatestJournalEntry(_ context.Context, leadID int64) (*lead.JournalEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestLocked(leadID), nil
}

func (r *memLeadRepo) LatestJournalEntries(_ context.Context, ids []int64) (map[int64]*lead.JournalEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]*lead.JournalEntry)
	for _, id := range ids {
		if e := r.latestLocked(id); e != nil {
			out[id] = e
		}
	}
	return out, nil
}

func (r *memLeadRepo) ListActiveByLevel(_ context.Context, level lead.IntentionLevel) ([]*lead.Lead, error) {
	if r.blockList != nil {
		<-r.blockList
	}
	if level == r.panicLevel && level != "" {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failLevels[level]; err != nil {
		return nil, err
	}
	out := make([]*lead.Lead, 0)
	for _, l := range r.leads {
		if l.IntentionLevel == level && l.Active() {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memLeadRepo) SetNeedFollowup(_ context.Context, ids []int64, need bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		l, ok := r.leads[id]
		if !ok || !l.Active() || l.NeedFollowup == need {
			continue
		}
		l.NeedFollowup = need
		n++
	}
	return n, nil
}

func (r *memLeadRepo) lead(id int64) *lead.Lead {
	l, _ := r.get(id)
	return l
}

func (r *memLeadRepo) journalFor(id int64) []*lead.JournalEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*lead.JournalEntry
	for _, e := range r.journal {
		if e.LeadID == id {
			out = append(out, e)
		}
	}
	return out
}

func (r *memLeadRepo) needSet() map[int64]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]bool)
	for id, l := range r.leads {
		out[id] = l.NeedFollowup
	}
	return out
}

// inlineTx runs fn without a real transaction and counts calls.
type inlineTx struct {
	calls int
}

func (t *inlineTx) WithinTx(_ context.Context, fn func(tx *sql.Tx) error) error {
	t.calls++
	return fn(nil)
}

type staticThresholds struct {
	t   lead.Thresholds
	err error
}

func (s staticThresholds) Get(context.Context) (lead.Thresholds, error) {
	return s.t, s.err
}

var defaultThresholds = staticThresholds{t: lead.Thresholds{
	lead.IntentionHigh:   3,
	lead.IntentionMedium: 7,
	lead.IntentionLow:    14,
}}

type memRemindRepo struct {
	mu         sync.Mutex
	configs    []*remind.IntentionConfig
	recipients []*remind.Recipient
	err        error
	listCalls  int
}

func (r *memRemindRepo) ListConfigs(context.Context) ([]*remind.IntentionConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if r.err != nil {
		return nil, r.err
	}
	out := make([]*remind.IntentionConfig, len(r.configs))
	for i, c := range r.configs {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func (r *memRemindRepo) UpdateMaxIdleDays(_ context.Context, level lead.IntentionLevel, days int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.configs {
		if c.IntentionLevel == level {
			c.MaxIdleDays = days
			return nil
		}
	}
	return remind.ErrConfigNotFound
}

func (r *memRemindRepo) ListRecipients(context.Context) ([]*remind.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return append([]*remind.Recipient(nil), r.recipients...), nil
}

func (r *memRemindRepo) AddRecipient(_ context.Context, rc *remind.Recipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.recipients {
		if existing.Email == rc.Email {
			return remind.ErrDuplicateRecipient
		}
	}
	rc.ID = int64(len(r.recipients) + 1)
	r.recipients = append(r.recipients, rc)
	return nil
}

func (r *memRemindRepo) RemoveRecipient(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rc := range r.recipients {
		if rc.ID == id {
			r.recipients = append(r.recipients[:i], r.recipients[i+1:]...)
			return nil
		}
	}
	return remind.ErrRecipientNotFound
}

type recordingDispatcher struct {
	mu         sync.Mutex
	digests    []notify.Digest
	recipients [][]string
	err        error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, digest notify.Digest, recipients []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.digests = append(d.digests, digest)
	d.recipients = append(d.recipients, recipients)
	if d.err != nil {
		return d.err
	}
	if len(recipients) == 0 {
		return notify.ErrNoRecipients
	}
	return nil
}

type memRunRepo struct {
	mu       sync.Mutex
	created  []*sweep.Run
	finished []sweep.Run
}

func (r *memRunRepo) CreateRun(_ context.Context, run *sweep.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, run)
	return nil
}

func (r *memRunRepo) FinishRun(_ context.Context, run *sweep.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, *run)
	return nil
}

func (r *memRunRepo) LatestRun(context.Context) (*sweep.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.finished) == 0 {
		return nil, errors.New("no runs")
	}
	run := r.finished[len(r.finished)-1]
	return &run, nil
}
