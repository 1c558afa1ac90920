package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"paperdigest/internal/kit"
	logx "paperdigest/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "paperdigest.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestScheduleRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	fire := time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)
	e := ScheduleEntry{
		TenantID:   "alice",
		Operation:  kit.OpRecommend,
		Expr:       "0 0 7 * * *",
		Zone:       "Asia/Shanghai",
		Enabled:    true,
		NextFireAt: fire,
	}
	if err := st.UpsertSchedule(ctx, e); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}

	got, ok, err := st.GetSchedule(ctx, "alice", kit.OpRecommend)
	if err != nil || !ok {
		t.Fatalf("GetSchedule: ok=%v err=%v", ok, err)
	}
	if got.Expr != e.Expr || got.Zone != e.Zone || !got.Enabled {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if !got.NextFireAt.Equal(fire) {
		t.Fatalf("NextFireAt = %v, want %v", got.NextFireAt, fire)
	}

	// Replacing the expression keeps the primary key stable.
	e.Expr = "0 30 8 * * *"
	if err := st.UpsertSchedule(ctx, e); err != nil {
		t.Fatalf("UpsertSchedule replace: %v", err)
	}
	all, err := st.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(all) != 1 || all[0].Expr != "0 30 8 * * *" {
		t.Fatalf("unexpected schedules after replace: %+v", all)
	}

	if err := st.DeleteSchedule(ctx, "alice", kit.OpRecommend); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, ok, _ := st.GetSchedule(ctx, "alice", kit.OpRecommend); ok {
		t.Fatalf("schedule survived delete")
	}
}

func TestDueSchedulesAndAdvance(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 9, 1, 7, 0, 1, 0, time.UTC)
	due := ScheduleEntry{
		TenantID: "alice", Operation: kit.OpRecommend,
		Expr: "0 0 7 * * *", Enabled: true,
		NextFireAt: now.Add(-time.Second),
	}
	future := ScheduleEntry{
		TenantID: "bob", Operation: kit.OpRecommend,
		Expr: "0 0 9 * * *", Enabled: true,
		NextFireAt: now.Add(2 * time.Hour),
	}
	disabled := ScheduleEntry{
		TenantID: "carol", Operation: kit.OpRecommend,
		Expr: "0 0 7 * * *", Enabled: false,
		NextFireAt: now.Add(-time.Hour),
	}
	for _, e := range []ScheduleEntry{due, future, disabled} {
		if err := st.UpsertSchedule(ctx, e); err != nil {
			t.Fatalf("UpsertSchedule(%s): %v", e.TenantID, err)
		}
	}

	got, err := st.DueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("DueSchedules: %v", err)
	}
	if len(got) != 1 || got[0].TenantID != "alice" {
		t.Fatalf("unexpected due set: %+v", got)
	}

	next := now.Add(24 * time.Hour)
	ok, err := st.AdvanceSchedule(ctx, "alice", kit.OpRecommend, due.NextFireAt, next)
	if err != nil || !ok {
		t.Fatalf("AdvanceSchedule: ok=%v err=%v", ok, err)
	}

	// A second advance from the same prev must lose the race.
	ok, err = st.AdvanceSchedule(ctx, "alice", kit.OpRecommend, due.NextFireAt, next)
	if err != nil {
		t.Fatalf("AdvanceSchedule repeat: %v", err)
	}
	if ok {
		t.Fatalf("stale advance claimed the fire twice")
	}

	if got, _ = st.DueSchedules(ctx, now); len(got) != 0 {
		t.Fatalf("schedule still due after advance: %+v", got)
	}
}

func TestDisableSchedule(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	e := ScheduleEntry{
		TenantID: "alice", Operation: kit.OpDigest,
		Expr: "bogus", Enabled: true, NextFireAt: now.Add(-time.Minute),
	}
	if err := st.UpsertSchedule(ctx, e); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	if err := st.DisableSchedule(ctx, "alice", kit.OpDigest); err != nil {
		t.Fatalf("DisableSchedule: %v", err)
	}
	if got, _ := st.DueSchedules(ctx, now); len(got) != 0 {
		t.Fatalf("disabled schedule still due: %+v", got)
	}
	if ok, _ := st.AdvanceSchedule(ctx, "alice", kit.OpDigest, e.NextFireAt, now); ok {
		t.Fatalf("advanced a disabled schedule")
	}
}

func TestLeaseLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	key := "alice|recommend"
	ok, err := st.AcquireLease(ctx, key, time.Now().Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, err = st.AcquireLease(ctx, key, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("held lease was reacquired")
	}

	if err := st.ReleaseLease(ctx, key); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if ok, _ = st.AcquireLease(ctx, key, time.Now().Add(time.Minute)); !ok {
		t.Fatalf("released lease not reacquirable")
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	key := "bob|digest"
	ok, err := st.AcquireLease(ctx, key, time.Now().Add(-time.Second))
	if err != nil || !ok {
		t.Fatalf("acquire expired-on-arrival: ok=%v err=%v", ok, err)
	}
	// The previous lease already expired, so a new claim must succeed.
	if ok, _ = st.AcquireLease(ctx, key, time.Now().Add(time.Minute)); !ok {
		t.Fatalf("expired lease not reclaimable")
	}
}

func TestEmptyLeaseKeyAlwaysAcquired(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := st.AcquireLease(ctx, "", time.Now().Add(time.Minute))
		if err != nil || !ok {
			t.Fatalf("empty key acquire %d: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestReactionInsertDedup(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	e := kit.ReactionEvent{
		TenantID: "alice", PaperID: "2408.01234", SourceRef: "arxiv",
		Kind: kit.ReactionLike, ObservedAt: at,
	}
	ins, err := st.InsertReaction(ctx, e)
	if err != nil || !ins {
		t.Fatalf("first insert: ins=%v err=%v", ins, err)
	}

	// Same natural key again, even with a different kind: first wins.
	e.Kind = kit.ReactionDislike
	ins, err = st.InsertReaction(ctx, e)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if ins {
		t.Fatalf("duplicate reaction was inserted")
	}

	got, err := st.ReactionsSince(ctx, "alice", at.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ReactionsSince: %v", err)
	}
	if len(got) != 1 || got[0].Kind != kit.ReactionLike {
		t.Fatalf("unexpected reactions: %+v", got)
	}

	if got, _ = st.ReactionsSince(ctx, "alice", at.Add(time.Hour)); len(got) != 0 {
		t.Fatalf("since filter ignored: %+v", got)
	}
}

func TestPreferenceUpsert(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	bucket := "2026-08"
	old := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rows := []kit.PreferenceRow{
		{PaperID: "p1", SourceRef: "arxiv", Kind: kit.ReactionLike, ObservedAt: old},
		{PaperID: "p2", SourceRef: "arxiv", Kind: kit.ReactionNeutral, ObservedAt: old},
	}
	if err := st.UpsertPreferenceRows(ctx, "alice", bucket, rows); err != nil {
		t.Fatalf("UpsertPreferenceRows: %v", err)
	}

	// Rewriting p1 with a newer observation replaces kind and timestamp.
	newer := old.Add(48 * time.Hour)
	update := []kit.PreferenceRow{
		{PaperID: "p1", SourceRef: "arxiv", Kind: kit.ReactionDislike, ObservedAt: newer},
	}
	if err := st.UpsertPreferenceRows(ctx, "alice", bucket, update); err != nil {
		t.Fatalf("UpsertPreferenceRows update: %v", err)
	}

	got, err := st.PreferenceRows(ctx, "alice", bucket)
	if err != nil {
		t.Fatalf("PreferenceRows: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %+v", got)
	}
	if got[0].PaperID != "p1" || got[0].Kind != kit.ReactionDislike || !got[0].ObservedAt.Equal(newer) {
		t.Fatalf("p1 not updated: %+v", got[0])
	}

	// Buckets are isolated per tenant.
	if got, _ = st.PreferenceRows(ctx, "bob", bucket); len(got) != 0 {
		t.Fatalf("cross-tenant rows leaked: %+v", got)
	}
}

func TestTenantRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	tn := Tenant{TenantID: "alice", RepoRef: "alice/paper-feed", PAT: "token-1"}
	if err := st.UpsertTenant(ctx, tn); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}

	// Partial update: empty fields keep their stored values.
	if err := st.UpsertTenant(ctx, Tenant{TenantID: "alice", PAT: "token-2"}); err != nil {
		t.Fatalf("UpsertTenant partial: %v", err)
	}
	got, ok, err := st.GetTenant(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("GetTenant: ok=%v err=%v", ok, err)
	}
	if got.RepoRef != "alice/paper-feed" || got.PAT != "token-2" {
		t.Fatalf("unexpected tenant: %+v", got)
	}

	// Deleting the tenant also drops its schedules.
	if err := st.UpsertSchedule(ctx, ScheduleEntry{
		TenantID: "alice", Operation: kit.OpRecommend,
		Expr: "0 0 7 * * *", Enabled: true, NextFireAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}
	if err := st.DeleteTenant(ctx, "alice"); err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}
	if _, ok, _ = st.GetTenant(ctx, "alice"); ok {
		t.Fatalf("tenant survived delete")
	}
	if _, ok, _ := st.GetSchedule(ctx, "alice", kit.OpRecommend); ok {
		t.Fatalf("schedule survived tenant delete")
	}
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	entries := []AuditEntry{
		{TenantID: "alice", Operation: kit.OpRecommend, Origin: kit.OriginSchedule, Outcome: "ok", Attempts: 1, TookMS: 120},
		{TenantID: "alice", Operation: kit.OpDigest, Origin: kit.OriginUser, Outcome: "failed", Error: "pipeline timeout", Attempts: 3, TookMS: 4500},
	}
	for _, e := range entries {
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Operations after close surface a database error rather than panicking.
	if _, err := st.ListSchedules(context.Background()); err == nil {
		t.Fatalf("expected error from closed store")
	}
}
