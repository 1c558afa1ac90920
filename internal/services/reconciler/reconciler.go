package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"paperdigest/internal/eventbus"
	"paperdigest/internal/kit"
	logx "paperdigest/pkg/logx"
)

type Config struct {
	// LookBack bounds how far back a sync collects reactions when the
	// request does not say. Default 720h (30 days).
	LookBack time.Duration
}

// Store is the slice of the persistence API the reconciler needs.
type Store interface {
	InsertReaction(ctx context.Context, e kit.ReactionEvent) (bool, error)
	ReactionsSince(ctx context.Context, tenantID string, since time.Time) ([]kit.ReactionEvent, error)
	PreferenceRows(ctx context.Context, tenantID, bucket string) ([]kit.PreferenceRow, error)
	UpsertPreferenceRows(ctx context.Context, tenantID, bucket string, rows []kit.PreferenceRow) error
}

// Syncer mirrors rendered bucket files to the tenant's external repository.
type Syncer interface {
	Push(ctx context.Context, tenantID string, files []kit.BucketFile) error
}

// SyncEvent is the bus payload for reconcile.* events.
type SyncEvent struct {
	TenantID string
	Buckets  int
	Events   int
	At       time.Time
	Error    string
}

// Service merges reactions into preference buckets. Safe for concurrent use;
// work for the same tenant is serialized.
type Service struct {
	mu  sync.Mutex
	cfg Config

	st     Store
	syncer Syncer
	log    logx.Logger
	bus    eventbus.Bus

	// Per-tenant locks so two syncs for one tenant never interleave their
	// read-merge-write cycles.
	lmu   sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

func New(cfg Config, st Store, syncer Syncer, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{st: st, syncer: syncer, log: log, bus: bus, locks: map[string]*sync.Mutex{}, now: time.Now}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.LookBack <= 0 {
		cfg.LookBack = 720 * time.Hour
	}
	s.cfg = cfg
}

func (s *Service) tenantLock(tenantID string) *sync.Mutex {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	m := s.locks[tenantID]
	if m == nil {
		m = &sync.Mutex{}
		s.locks[tenantID] = m
	}
	return m
}

// Record buffers one reaction event. Duplicate events (same tenant, paper
// and source ref) are absorbed; the first observation wins.
func (s *Service) Record(ctx context.Context, e kit.ReactionEvent) (bool, error) {
	inserted, err := s.st.InsertReaction(ctx, e)
	if err != nil {
		return false, err
	}
	if inserted {
		s.log.Debug("reaction recorded",
			logx.String("tenant", e.TenantID),
			logx.String("paper", e.PaperID),
			logx.String("kind", string(e.Kind)))
	}
	return inserted, nil
}

// Sync collects reactions from the look-back window, reconciles them into
// the preference record and mirrors the touched buckets. It implements the
// dispatcher's Reconciler contract.
func (s *Service) Sync(ctx context.Context, tenantID string, lookBack time.Duration) (kit.Result, error) {
	s.mu.Lock()
	if lookBack <= 0 {
		lookBack = s.cfg.LookBack
	}
	s.mu.Unlock()

	since := s.now().Add(-lookBack)
	events, err := s.st.ReactionsSince(ctx, tenantID, since)
	if err != nil {
		return kit.Result{}, fmt.Errorf("collect reactions: %w", err)
	}

	record, err := s.Reconcile(ctx, tenantID, events)
	if err != nil {
		s.publish("reconcile.failed", tenantID, 0, len(events), err)
		return kit.Result{}, err
	}

	files := renderBucketFiles(record)
	if s.syncer != nil && len(files) > 0 {
		if err := s.syncer.Push(ctx, tenantID, files); err != nil {
			s.publish("reconcile.failed", tenantID, len(record.Buckets), len(events), err)
			return kit.Result{}, fmt.Errorf("mirror buckets: %w", err)
		}
	}

	s.log.Info("preferences reconciled",
		logx.String("tenant", tenantID),
		logx.Int("events", len(events)),
		logx.Int("buckets", len(record.Buckets)))
	s.publish("reconcile.finished", tenantID, len(record.Buckets), len(events), nil)

	return kit.Result{
		TenantID:    tenantID,
		Operation:   kit.OpSync,
		GeneratedAt: s.now(),
		Note: fmt.Sprintf("reconciled %d reaction(s) into %d bucket(s)",
			len(events), len(record.Buckets)),
	}, nil
}

// Reconcile merges events into the stored preference record and returns the
// touched buckets. Events for other tenants are rejected.
func (s *Service) Reconcile(ctx context.Context, tenantID string, events []kit.ReactionEvent) (kit.PreferenceRecord, error) {
	for _, e := range events {
		if e.TenantID != tenantID {
			return kit.PreferenceRecord{}, fmt.Errorf("event for tenant %q in reconcile of %q", e.TenantID, tenantID)
		}
		if err := e.Validate(); err != nil {
			return kit.PreferenceRecord{}, err
		}
	}

	lock := s.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	byBucket := map[string][]kit.ReactionEvent{}
	for _, e := range events {
		b := e.Bucket()
		byBucket[b] = append(byBucket[b], e)
	}

	periods := make([]string, 0, len(byBucket))
	for b := range byBucket {
		periods = append(periods, b)
	}
	sort.Strings(periods)

	record := kit.PreferenceRecord{TenantID: tenantID}
	for _, period := range periods {
		rows, err := s.st.PreferenceRows(ctx, tenantID, period)
		if err != nil {
			return kit.PreferenceRecord{}, fmt.Errorf("load bucket %s: %w", period, err)
		}
		merged, changed := mergeBucket(rows, byBucket[period])
		if len(changed) > 0 {
			if err := s.st.UpsertPreferenceRows(ctx, tenantID, period, changed); err != nil {
				return kit.PreferenceRecord{}, fmt.Errorf("write bucket %s: %w", period, err)
			}
		}
		record.Buckets = append(record.Buckets, kit.PreferenceBucket{Period: period, Rows: merged})
	}
	return record, nil
}

// mergeBucket folds events into existing rows. The entry with the latest
// observation time wins; on equal times the existing row is kept so replays
// are no-ops. Returns the full merged bucket plus only the rows that changed.
func mergeBucket(existing []kit.PreferenceRow, events []kit.ReactionEvent) (merged, changed []kit.PreferenceRow) {
	type key struct{ paper, source string }
	idx := make(map[key]kit.PreferenceRow, len(existing))
	for _, r := range existing {
		idx[key{r.PaperID, r.SourceRef}] = r
	}

	changedIdx := map[key]kit.PreferenceRow{}
	for _, e := range events {
		k := key{e.PaperID, e.SourceRef}
		row := kit.PreferenceRow{
			PaperID:    e.PaperID,
			SourceRef:  e.SourceRef,
			Kind:       e.Kind,
			ObservedAt: e.ObservedAt,
		}
		cur, ok := idx[k]
		if ok && !e.ObservedAt.After(cur.ObservedAt) {
			continue
		}
		idx[k] = row
		changedIdx[k] = row
	}

	merged = make([]kit.PreferenceRow, 0, len(idx))
	for _, r := range idx {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].PaperID != merged[j].PaperID {
			return merged[i].PaperID < merged[j].PaperID
		}
		return merged[i].SourceRef < merged[j].SourceRef
	})

	changed = make([]kit.PreferenceRow, 0, len(changedIdx))
	for _, r := range changedIdx {
		changed = append(changed, r)
	}
	sort.Slice(changed, func(i, j int) bool {
		if changed[i].PaperID != changed[j].PaperID {
			return changed[i].PaperID < changed[j].PaperID
		}
		return changed[i].SourceRef < changed[j].SourceRef
	})
	return merged, changed
}

func (s *Service) publish(typ, tenantID string, buckets, events int, err error) {
	if s.bus == nil {
		return
	}
	ev := SyncEvent{TenantID: tenantID, Buckets: buckets, Events: events, At: s.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
