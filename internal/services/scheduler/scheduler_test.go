package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paperdigest/internal/cronspec"
	"paperdigest/internal/kit"
	"paperdigest/internal/store"
	logx "paperdigest/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]store.ScheduleEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]store.ScheduleEntry{}}
}

func skey(tenantID string, op kit.Operation) string { return tenantID + "|" + string(op) }

func (f *fakeStore) UpsertSchedule(_ context.Context, e store.ScheduleEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[skey(e.TenantID, e.Operation)] = e
	return nil
}

func (f *fakeStore) DeleteSchedule(_ context.Context, tenantID string, op kit.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, skey(tenantID, op))
	return nil
}

func (f *fakeStore) GetSchedule(_ context.Context, tenantID string, op kit.Operation) (store.ScheduleEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[skey(tenantID, op)]
	return e, ok, nil
}

func (f *fakeStore) ListSchedules(_ context.Context) ([]store.ScheduleEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.ScheduleEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) DueSchedules(_ context.Context, now time.Time) ([]store.ScheduleEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ScheduleEntry
	for _, e := range f.entries {
		if e.Enabled && !e.NextFireAt.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) AdvanceSchedule(_ context.Context, tenantID string, op kit.Operation, prev, next time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[skey(tenantID, op)]
	if !ok || !e.Enabled || !e.NextFireAt.Equal(prev) {
		return false, nil
	}
	e.NextFireAt = next
	f.entries[skey(tenantID, op)] = e
	return true, nil
}

func (f *fakeStore) DisableSchedule(_ context.Context, tenantID string, op kit.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[skey(tenantID, op)]
	if ok {
		e.Enabled = false
		f.entries[skey(tenantID, op)] = e
	}
	return nil
}

type fakeSink struct {
	mu   sync.Mutex
	reqs []kit.Request
	err  error
}

func (f *fakeSink) Submit(_ context.Context, req kit.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeSink) submitted() []kit.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kit.Request(nil), f.reqs...)
}

func newTestService(st Store, sink Sink, at time.Time) *Service {
	s := New(Config{Enabled: true, Tick: time.Second}, st, sink, logx.Nop(), nil)
	s.now = func() time.Time { return at }
	return s
}

func TestAddOrReplaceValidatesBeforeMutating(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	now := time.Date(2026, 9, 1, 6, 0, 0, 0, time.UTC)
	s := newTestService(st, &fakeSink{}, now)
	ctx := context.Background()

	if err := s.AddOrReplace(ctx, "alice", kit.OpRecommend, "0 0 7 * * *", "UTC"); err != nil {
		t.Fatalf("AddOrReplace: %v", err)
	}
	e, ok, _ := st.GetSchedule(ctx, "alice", kit.OpRecommend)
	if !ok || !e.Enabled {
		t.Fatalf("schedule not installed: %+v ok=%v", e, ok)
	}
	want := time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)
	if !e.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %v, want %v", e.NextFireAt, want)
	}

	// Invalid replacement leaves the existing schedule untouched.
	err := s.AddOrReplace(ctx, "alice", kit.OpRecommend, "not a cron", "UTC")
	if !errors.Is(err, cronspec.ErrInvalidExpression) {
		t.Fatalf("expected ErrInvalidExpression, got %v", err)
	}
	e2, _, _ := st.GetSchedule(ctx, "alice", kit.OpRecommend)
	if e2.Expr != "0 0 7 * * *" {
		t.Fatalf("invalid expression mutated schedule: %+v", e2)
	}

	if err := s.AddOrReplace(ctx, "alice", kit.OpRecommend, "0 0 7 * * *", "Not/AZone"); err == nil {
		t.Fatalf("expected error for bad timezone")
	}
}

func TestScanFiresDueScheduleOnce(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	sink := &fakeSink{}
	due := time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)
	now := due.Add(2 * time.Second)
	s := newTestService(st, sink, now)
	ctx := context.Background()

	_ = st.UpsertSchedule(ctx, store.ScheduleEntry{
		TenantID: "alice", Operation: kit.OpRecommend,
		Expr: "0 0 7 * * *", Zone: "UTC", Enabled: true, NextFireAt: due,
	})

	s.scanOnce(ctx)
	reqs := sink.submitted()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	r := reqs[0]
	if r.TenantID != "alice" || r.Origin != kit.OriginSchedule || r.Operation() != kit.OpRecommend {
		t.Fatalf("unexpected request: %+v", r)
	}
	if !r.FiredAt.Equal(due) {
		t.Fatalf("FiredAt = %v, want %v", r.FiredAt, due)
	}

	// Row advanced to the next day; a second scan must not re-fire.
	s.scanOnce(ctx)
	if got := sink.submitted(); len(got) != 1 {
		t.Fatalf("schedule fired twice: %d requests", len(got))
	}
	e, _, _ := st.GetSchedule(ctx, "alice", kit.OpRecommend)
	want := due.Add(24 * time.Hour)
	if !e.NextFireAt.Equal(want) {
		t.Fatalf("advanced to %v, want %v", e.NextFireAt, want)
	}
}

func TestScanCollapsesMissedFires(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	sink := &fakeSink{}
	// Due three days ago: exactly one catch-up fire, then next from now.
	due := time.Date(2026, 8, 29, 7, 0, 0, 0, time.UTC)
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	s := newTestService(st, sink, now)
	ctx := context.Background()

	_ = st.UpsertSchedule(ctx, store.ScheduleEntry{
		TenantID: "alice", Operation: kit.OpRecommend,
		Expr: "0 0 7 * * *", Zone: "UTC", Enabled: true, NextFireAt: due,
	})

	s.scanOnce(ctx)
	if got := sink.submitted(); len(got) != 1 {
		t.Fatalf("expected 1 catch-up fire, got %d", len(got))
	}
	e, _, _ := st.GetSchedule(ctx, "alice", kit.OpRecommend)
	want := time.Date(2026, 9, 2, 7, 0, 0, 0, time.UTC)
	if !e.NextFireAt.Equal(want) {
		t.Fatalf("advanced to %v, want %v", e.NextFireAt, want)
	}
}

func TestScanDisablesCorruptedExpression(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	sink := &fakeSink{}
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	s := newTestService(st, sink, now)
	ctx := context.Background()

	_ = st.UpsertSchedule(ctx, store.ScheduleEntry{
		TenantID: "alice", Operation: kit.OpDigest,
		Expr: "garbage", Zone: "UTC", Enabled: true, NextFireAt: now.Add(-time.Minute),
	})

	s.scanOnce(ctx)
	if got := sink.submitted(); len(got) != 0 {
		t.Fatalf("corrupted schedule fired: %d requests", len(got))
	}
	e, _, _ := st.GetSchedule(ctx, "alice", kit.OpDigest)
	if e.Enabled {
		t.Fatalf("corrupted schedule still enabled")
	}
}

func TestScanKeepsClaimWhenSinkRejects(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	sink := &fakeSink{err: errors.New("queue full")}
	due := time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)
	now := due.Add(time.Second)
	s := newTestService(st, sink, now)
	ctx := context.Background()

	_ = st.UpsertSchedule(ctx, store.ScheduleEntry{
		TenantID: "alice", Operation: kit.OpRecommend,
		Expr: "0 0 7 * * *", Zone: "UTC", Enabled: true, NextFireAt: due,
	})

	s.scanOnce(ctx)
	// The occurrence is consumed even though the sink rejected it; the
	// schedule must not spin on the same instant.
	e, _, _ := st.GetSchedule(ctx, "alice", kit.OpRecommend)
	if e.NextFireAt.Equal(due) {
		t.Fatalf("schedule not advanced after sink rejection")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	s := newTestService(st, &fakeSink{}, time.Now())
	ctx := context.Background()

	if err := s.Remove(ctx, "ghost", kit.OpRecommend); err != nil {
		t.Fatalf("Remove of missing schedule: %v", err)
	}
}
