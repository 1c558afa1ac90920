package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paperdigest/internal/backoff"
	"paperdigest/internal/kit"
	logx "paperdigest/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execOne(ctx, stopCh, j)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, j job) {
	start := time.Now()
	s.publishEvent("dispatch.started", j.req, start, 0, 0, "")

	if j.leaseKey != "" {
		defer func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.leases.ReleaseLease(rctx, j.leaseKey); err != nil {
				s.log.Warn("lease release failed",
					logx.String("key", j.leaseKey), logx.Err(err))
			}
			cancel()
		}()
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	result, attempts, err := s.runWithRetry(ctx, stopCh, cfg, j.req)
	dur := time.Since(start)

	if err != nil {
		s.log.Warn("dispatch failed",
			logx.String("tenant", j.req.TenantID),
			logx.String("op", string(j.req.Operation())),
			logx.Int("attempts", attempts),
			logx.Duration("dur", dur),
			logx.Err(err))
		s.publishEvent("dispatch.failed", j.req, start, dur, attempts, err.Error())
		s.deliverFailure(ctx, j.req, err, attempts)
		return
	}

	if s.delivery != nil {
		if derr := s.delivery.Deliver(ctx, kit.Delivery{TenantID: j.req.TenantID, Result: &result}); derr != nil {
			s.log.Warn("result handoff to delivery failed",
				logx.String("tenant", j.req.TenantID),
				logx.String("op", string(j.req.Operation())),
				logx.Err(derr))
		}
	}

	if dur >= 750*time.Millisecond {
		s.log.Info("dispatch completed",
			logx.String("tenant", j.req.TenantID),
			logx.String("op", string(j.req.Operation())),
			logx.Duration("dur", dur),
			logx.Int("attempts", attempts))
	} else {
		s.log.Debug("dispatch completed",
			logx.String("tenant", j.req.TenantID),
			logx.String("op", string(j.req.Operation())),
			logx.Duration("dur", dur),
			logx.Int("attempts", attempts))
	}
	s.publishEvent("dispatch.finished", j.req, start, dur, attempts, "")
}

// runWithRetry invokes the request's collaborator under the retry policy.
// Each attempt gets its own timeout; a backoff.Permanent error or a dead
// context stops the loop early.
func (s *Service) runWithRetry(ctx context.Context, stopCh <-chan struct{}, cfg Config, req kit.Request) (kit.Result, int, error) {
	var (
		result kit.Result
		err    error
	)
	maxAttempts := cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		callCtx, cancel := context.WithTimeout(ctx, cfg.PipelineTimeout)
		result, err = s.invoke(callCtx, req)
		cancel()
		if err == nil {
			return result, attempts, nil
		}
		if backoff.IsPermanent(err) {
			return kit.Result{}, attempts, err
		}
		if attempt >= maxAttempts {
			break
		}

		delay := cfg.Retry.Delay(attempt)
		if delay <= 0 {
			continue
		}
		s.log.Debug("dispatch retry scheduled",
			logx.String("tenant", req.TenantID),
			logx.String("op", string(req.Operation())),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return kit.Result{}, attempts, ctx.Err()
		case <-stopCh:
			if !tmr.Stop() {
				<-tmr.C
			}
			return kit.Result{}, attempts, ErrStopped
		case <-tmr.C:
		}
	}
	return kit.Result{}, attempts, err
}

func (s *Service) invoke(ctx context.Context, req kit.Request) (kit.Result, error) {
	switch p := req.Payload.(type) {
	case kit.RecommendPayload:
		return s.pipeline.Recommend(ctx, req.TenantID)
	case kit.DigestPayload:
		if len(p.PaperIDs) == 0 {
			return kit.Result{}, backoff.Permanent(errors.New("digest: no paper ids"))
		}
		return s.pipeline.Digest(ctx, req.TenantID, p.PaperIDs)
	case kit.SimilarPayload:
		if len(p.PaperIDs) == 0 {
			return kit.Result{}, backoff.Permanent(errors.New("similar: no paper ids"))
		}
		return s.pipeline.Similar(ctx, req.TenantID, p.PaperIDs)
	case kit.SyncPayload:
		if s.reconciler == nil {
			return kit.Result{}, backoff.Permanent(errors.New("sync: no reconciler configured"))
		}
		return s.reconciler.Sync(ctx, req.TenantID, p.LookBack)
	default:
		return kit.Result{}, backoff.Permanent(fmt.Errorf("unknown payload %T", req.Payload))
	}
}

// deliverFailure sends a terminal failure notice so the tenant is never left
// waiting for a result that will not come.
func (s *Service) deliverFailure(ctx context.Context, req kit.Request, cause error, attempts int) {
	if s.delivery == nil {
		return
	}
	notice := kit.FailureNotice{
		TenantID:  req.TenantID,
		Operation: req.Operation(),
		Reason:    cause.Error(),
		Attempts:  attempts,
		At:        time.Now(),
	}
	if err := s.delivery.Deliver(ctx, kit.Delivery{TenantID: req.TenantID, Failure: &notice}); err != nil {
		s.log.Warn("failure notice handoff failed",
			logx.String("tenant", req.TenantID),
			logx.String("op", string(req.Operation())),
			logx.Err(err))
	}
}
