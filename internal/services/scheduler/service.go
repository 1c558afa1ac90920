package scheduler

import (
	"context"
	"sync"
	"time"

	"paperdigest/internal/eventbus"
	"paperdigest/internal/kit"
	logx "paperdigest/pkg/logx"
)

type Config struct {
	Enabled bool
	// Tick bounds how late a schedule can fire relative to its computed
	// instant. Defaults to 1s.
	Tick time.Duration
}

// Sink receives fired requests. The dispatcher implements it.
type Sink interface {
	Submit(ctx context.Context, req kit.Request) error
}

// Service scans persisted schedules and emits requests for due ones.
// It is safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	cfg Config

	st   Store
	sink Sink
	log  logx.Logger
	bus  eventbus.Bus

	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	// now is swappable in tests.
	now func() time.Time
}

func New(cfg Config, st Store, sink Sink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{st: st, sink: sink, log: log, bus: bus, now: time.Now}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	s.cfg = cfg
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	// Local captures prevent races if fields are swapped during Stop().
	runCtx := s.runCtx
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in schedule scanner",
					logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
			}
		}()
		s.scanLoop(runCtx, stopCh)
	}()
	s.log.Info("scheduler started", logx.Duration("tick", s.tick()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	done := s.stopDone
	cancel := s.runCancel
	if stopCh == nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		// shutdown continues in background
	}
}

func (s *Service) tick() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Tick
}

func (s *Service) scanLoop(ctx context.Context, stopCh chan struct{}) {
	t := time.NewTimer(s.tick())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-t.C:
			s.scanOnce(ctx)
			// Re-read the tick so hot-reloaded config takes effect.
			t.Reset(s.tick())
		}
	}
}
