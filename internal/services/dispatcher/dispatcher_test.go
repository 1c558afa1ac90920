package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paperdigest/internal/backoff"
	"paperdigest/internal/kit"
	logx "paperdigest/pkg/logx"
)

type fakeLeases struct {
	mu    sync.Mutex
	held  map[string]time.Time
	fails bool
}

func newFakeLeases() *fakeLeases { return &fakeLeases{held: map[string]time.Time{}} }

func (f *fakeLeases) AcquireLease(_ context.Context, key string, until time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails {
		return false, errors.New("lease store down")
	}
	if u, ok := f.held[key]; ok && time.Now().Before(u) {
		return false, nil
	}
	f.held[key] = until
	return true, nil
}

func (f *fakeLeases) ReleaseLease(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, key)
	return nil
}

func (f *fakeLeases) holding(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.held[key]
	return ok && time.Now().Before(u)
}

type fakePipeline struct {
	mu    sync.Mutex
	calls int
	// failFirst makes the first N calls fail with a retryable error.
	failFirst int
	permanent bool
}

func (f *fakePipeline) respond(tenantID string, op kit.Operation) (kit.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.permanent {
		return kit.Result{}, backoff.Permanent(errors.New("tenant not configured"))
	}
	if f.calls <= f.failFirst {
		return kit.Result{}, errors.New("pipeline unavailable")
	}
	return kit.Result{
		TenantID:    tenantID,
		Operation:   op,
		GeneratedAt: time.Now(),
		Papers:      []kit.PaperSummary{{PaperID: "p1", Title: "t", Summary: "s"}},
	}, nil
}

func (f *fakePipeline) Recommend(_ context.Context, tenantID string) (kit.Result, error) {
	return f.respond(tenantID, kit.OpRecommend)
}

func (f *fakePipeline) Digest(_ context.Context, tenantID string, _ []string) (kit.Result, error) {
	return f.respond(tenantID, kit.OpDigest)
}

func (f *fakePipeline) Similar(_ context.Context, tenantID string, _ []string) (kit.Result, error) {
	return f.respond(tenantID, kit.OpSimilar)
}

func (f *fakePipeline) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDelivery struct {
	mu   sync.Mutex
	got  []kit.Delivery
	note chan struct{}
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{note: make(chan struct{}, 16)}
}

func (f *fakeDelivery) Deliver(_ context.Context, d kit.Delivery) error {
	f.mu.Lock()
	f.got = append(f.got, d)
	f.mu.Unlock()
	f.note <- struct{}{}
	return nil
}

func (f *fakeDelivery) wait(t *testing.T) kit.Delivery {
	t.Helper()
	select {
	case <-f.note:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got[len(f.got)-1]
}

func fastRetry(attempts int) backoff.Policy {
	return backoff.Policy{MaxAttempts: attempts, Base: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond, Jitter: 0}
}

func newTestDispatcher(t *testing.T, p Pipeline, d Delivery, l Leases, retry backoff.Policy) *Service {
	t.Helper()
	s := New(Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       16,
		PipelineTimeout: 5 * time.Second,
		LeaseSlack:      time.Second,
		Retry:           retry,
	}, p, nil, d, l, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Stop(ctx)
		cancel()
	})
	return s
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	t.Parallel()
	s := newTestDispatcher(t, &fakePipeline{}, newFakeDelivery(), newFakeLeases(), fastRetry(1))
	if err := s.Submit(context.Background(), kit.Request{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestDispatchDeliversResultAndReleasesLease(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{}
	d := newFakeDelivery()
	l := newFakeLeases()
	s := newTestDispatcher(t, p, d, l, fastRetry(1))

	req := kit.NewRequest("alice", kit.OriginUser, kit.RecommendPayload{})
	if err := s.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := d.wait(t)
	if got.Result == nil || got.Failure != nil {
		t.Fatalf("expected result delivery, got %+v", got)
	}
	if got.Result.TenantID != "alice" || got.Result.Operation != kit.OpRecommend {
		t.Fatalf("unexpected result: %+v", got.Result)
	}

	// The lease is released once the dispatch completes.
	deadline := time.Now().Add(5 * time.Second)
	for l.holding(req.DedupKey()) {
		if time.Now().After(deadline) {
			t.Fatalf("lease still held after completion")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUserDuplicateRejected(t *testing.T) {
	t.Parallel()
	l := newFakeLeases()
	s := newTestDispatcher(t, &fakePipeline{}, newFakeDelivery(), l, fastRetry(1))

	// Simulate an in-flight dispatch holding the identity.
	key := "alice|" + string(kit.OpRecommend)
	if ok, _ := l.AcquireLease(context.Background(), key, time.Now().Add(time.Minute)); !ok {
		t.Fatalf("setup lease not acquired")
	}

	req := kit.NewRequest("alice", kit.OriginUser, kit.RecommendPayload{})
	if err := s.Submit(context.Background(), req); !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
}

func TestSchedulerDuplicateDroppedSilently(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{}
	l := newFakeLeases()
	s := newTestDispatcher(t, p, newFakeDelivery(), l, fastRetry(1))

	key := "alice|" + string(kit.OpRecommend)
	if ok, _ := l.AcquireLease(context.Background(), key, time.Now().Add(time.Minute)); !ok {
		t.Fatalf("setup lease not acquired")
	}

	req := kit.NewRequest("alice", kit.OriginSchedule, kit.RecommendPayload{})
	if err := s.Submit(context.Background(), req); err != nil {
		t.Fatalf("scheduler duplicate surfaced error: %v", err)
	}
	// The pipeline must never see the duplicate.
	time.Sleep(50 * time.Millisecond)
	if p.callCount() != 0 {
		t.Fatalf("duplicate reached the pipeline")
	}
}

func TestSimilarIsExemptFromDedup(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{}
	d := newFakeDelivery()
	s := newTestDispatcher(t, p, d, newFakeLeases(), fastRetry(1))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		req := kit.NewRequest("alice", kit.OriginUser, kit.SimilarPayload{PaperIDs: []string{"p1"}})
		if err := s.Submit(ctx, req); err != nil {
			t.Fatalf("similar submit %d: %v", i, err)
		}
	}
	d.wait(t)
	d.wait(t)
	if p.callCount() != 2 {
		t.Fatalf("expected 2 pipeline calls, got %d", p.callCount())
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{failFirst: 2}
	d := newFakeDelivery()
	s := newTestDispatcher(t, p, d, newFakeLeases(), fastRetry(3))

	req := kit.NewRequest("alice", kit.OriginSchedule, kit.RecommendPayload{})
	if err := s.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := d.wait(t)
	if got.Result == nil {
		t.Fatalf("expected result after retries, got %+v", got)
	}
	if p.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", p.callCount())
	}
}

func TestTerminalFailureDeliversNotice(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{failFirst: 100}
	d := newFakeDelivery()
	s := newTestDispatcher(t, p, d, newFakeLeases(), fastRetry(3))

	req := kit.NewRequest("alice", kit.OriginUser, kit.RecommendPayload{})
	if err := s.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := d.wait(t)
	if got.Failure == nil || got.Result != nil {
		t.Fatalf("expected failure notice, got %+v", got)
	}
	if got.Failure.Attempts != 3 || got.Failure.TenantID != "alice" {
		t.Fatalf("unexpected notice: %+v", got.Failure)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{permanent: true}
	d := newFakeDelivery()
	s := newTestDispatcher(t, p, d, newFakeLeases(), fastRetry(3))

	req := kit.NewRequest("alice", kit.OriginUser, kit.RecommendPayload{})
	if err := s.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := d.wait(t)
	if got.Failure == nil {
		t.Fatalf("expected failure notice, got %+v", got)
	}
	if got.Failure.Attempts != 1 {
		t.Fatalf("permanent error retried: attempts=%d", got.Failure.Attempts)
	}
	if p.callCount() != 1 {
		t.Fatalf("expected 1 pipeline call, got %d", p.callCount())
	}
}

func TestSubmitAfterStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &fakePipeline{}, nil, newFakeDelivery(), newFakeLeases(), logx.Nop(), nil)
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.Stop(ctx)
	cancel()

	req := kit.NewRequest("alice", kit.OriginUser, kit.RecommendPayload{})
	if err := s.Submit(context.Background(), req); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
