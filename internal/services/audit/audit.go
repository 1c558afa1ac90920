// Package audit persists a compact record of every dispatch outcome.
//
// The recorder subscribes to the event bus instead of being called inline by
// the dispatcher, so a slow or failing audit write can never stall a
// dispatch. Dropped bus events mean dropped audit rows; that trade-off is
// acceptable for an operator-facing trail.
package audit

import (
	"context"
	"sync"
	"time"

	"paperdigest/internal/eventbus"
	"paperdigest/internal/services/dispatcher"
	"paperdigest/internal/store"
	logx "paperdigest/pkg/logx"
)

// Sink is the slice of the persistence API the recorder needs.
type Sink interface {
	AppendAudit(ctx context.Context, e store.AuditEntry) error
}

// Service records dispatch.finished, dispatch.failed and dispatch.skipped
// events as audit rows.
type Service struct {
	mu sync.Mutex

	sink Sink
	bus  eventbus.Bus
	log  logx.Logger

	unsub    func()
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(sink Sink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{sink: sink, bus: bus, log: log}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopDone != nil || s.bus == nil || s.sink == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	runCtx := s.runCtx
	done := s.stopDone
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in audit recorder",
					logx.Any("panic", r),
					logx.Stack(logx.StackTrace(3, 16)))
			}
		}()
		s.consume(runCtx, ch)
	}()
	s.log.Info("audit recorder started")
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	unsub := s.unsub
	done := s.stopDone
	cancel := s.runCancel
	s.unsub = nil
	s.stopDone = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	if unsub == nil {
		return
	}
	// Unsubscribing closes the channel; the consumer drains what is left.
	unsub()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("audit recorder stopped")
}

func (s *Service) consume(ctx context.Context, ch <-chan eventbus.Event) {
	for ev := range ch {
		var outcome string
		switch ev.Type {
		case "dispatch.finished":
			outcome = "ok"
		case "dispatch.failed":
			outcome = "failed"
		case "dispatch.skipped":
			outcome = "skipped"
		default:
			continue
		}
		de, ok := ev.Data.(dispatcher.DispatchEvent)
		if !ok {
			continue
		}
		entry := store.AuditEntry{
			At:        ev.Time,
			TenantID:  de.TenantID,
			Operation: de.Operation,
			Origin:    de.Origin,
			Outcome:   outcome,
			Error:     de.Error,
			Attempts:  de.Attempts,
			TookMS:    de.Duration.Milliseconds(),
		}
		// Bounded write so a wedged store cannot block the drain forever.
		wctx, cancelW := context.WithTimeout(withoutCancelOnDrain(ctx), 5*time.Second)
		if err := s.sink.AppendAudit(wctx, entry); err != nil {
			s.log.Warn("audit append failed",
				logx.String("tenant", de.TenantID),
				logx.String("op", string(de.Operation)),
				logx.Err(err))
		}
		cancelW()
	}
}

// withoutCancelOnDrain keeps audit writes working while the closed channel is
// being drained during Stop, when the run context is already cancelled.
func withoutCancelOnDrain(ctx context.Context) context.Context {
	if ctx == nil || ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}
