package scheduler

import (
	"context"
	"time"

	"paperdigest/internal/cronspec"
	"paperdigest/internal/kit"
	"paperdigest/internal/store"
	logx "paperdigest/pkg/logx"
)

// lateThreshold separates ordinary scan jitter from a genuine catch-up fire
// (process was down or the loop stalled).
const lateThreshold = 30 * time.Second

func (s *Service) scanOnce(ctx context.Context) {
	now := s.now()
	due, err := s.st.DueSchedules(ctx, now)
	if err != nil {
		s.log.Warn("schedule scan failed", logx.Err(err))
		return
	}
	for _, e := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.fireOne(ctx, e, now)
	}
}

// fireOne claims a single due schedule and emits its request. Losing the
// compare-and-swap means another scanner (or process) already fired it.
func (s *Service) fireOne(ctx context.Context, e store.ScheduleEntry, now time.Time) {
	sched, err := cronspec.Parse(e.Expr, e.Zone)
	if err != nil {
		// A row that no longer parses would be retried every tick forever.
		// Disable it and surface the problem loudly.
		s.log.Error("schedule expression no longer parses; disabling",
			logx.String("tenant", e.TenantID),
			logx.String("op", string(e.Operation)),
			logx.String("expr", e.Expr),
			logx.Err(err))
		if derr := s.st.DisableSchedule(ctx, e.TenantID, e.Operation); derr != nil {
			s.log.Error("disabling corrupted schedule failed", logx.Err(derr))
		}
		s.publish("schedule.disabled", e.TenantID, e.Operation, time.Time{})
		return
	}

	// Advancing from now (not from the stale instant) is what collapses a
	// backlog of missed occurrences into a single catch-up fire.
	next := sched.Next(now)
	ok, err := s.st.AdvanceSchedule(ctx, e.TenantID, e.Operation, e.NextFireAt, next)
	if err != nil {
		s.log.Warn("schedule advance failed",
			logx.String("tenant", e.TenantID),
			logx.String("op", string(e.Operation)),
			logx.Err(err))
		return
	}
	if !ok {
		return
	}

	if late := now.Sub(e.NextFireAt); late > lateThreshold {
		s.log.Warn("schedule fired late",
			logx.String("tenant", e.TenantID),
			logx.String("op", string(e.Operation)),
			logx.Duration("late", late),
			logx.Time("was_due", e.NextFireAt))
	}

	req := kit.NewRequest(e.TenantID, kit.OriginSchedule, payloadFor(e.Operation))
	req.FiredAt = e.NextFireAt

	if err := s.sink.Submit(ctx, req); err != nil {
		// The fire is already claimed; the request is lost for this
		// occurrence. Submit errors here are dispatcher capacity or
		// shutdown, both of which are logged by the dispatcher too.
		s.log.Warn("fired request rejected",
			logx.String("tenant", e.TenantID),
			logx.String("op", string(e.Operation)),
			logx.Err(err))
		return
	}

	s.log.Debug("schedule fired",
		logx.String("tenant", e.TenantID),
		logx.String("op", string(e.Operation)),
		logx.Time("next_fire_at", next))
	s.publish("schedule.fired", e.TenantID, e.Operation, next)
}

func payloadFor(op kit.Operation) kit.Payload {
	switch op {
	case kit.OpDigest:
		return kit.DigestPayload{}
	case kit.OpSimilar:
		return kit.SimilarPayload{}
	case kit.OpSync:
		return kit.SyncPayload{}
	default:
		return kit.RecommendPayload{}
	}
}
