package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"paperdigest/internal/backoff"
	"paperdigest/internal/eventbus"
	"paperdigest/internal/kit"
	logx "paperdigest/pkg/logx"
)

var (
	ErrDisabled  = errors.New("delivery disabled")
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery stopped")
)

type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	RatePerSec  int
	SendTimeout time.Duration
}

// Transport sends one delivery over the tenant's configured channel.
type Transport interface {
	Send(ctx context.Context, d kit.Delivery) error
}

// Event is the bus payload for delivery.* events.
type Event struct {
	TenantID string
	Failure  bool // true when the delivery carried a failure notice
	At       time.Time
	Error    string
}

// Service implements the dispatcher's Delivery contract asynchronously.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log       logx.Logger
	transport Transport
	bus       eventbus.Bus

	cfg     Config
	limiter *rate.Limiter
	retry   backoff.Policy

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan kit.Delivery
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, transport Transport, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		transport: transport,
		log:       log,
		bus:       bus,
		// Sends are cheap to retry; keep a short fixed posture rather than
		// another config knob.
		retry: backoff.Policy{MaxAttempts: 3, Base: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second, Jitter: 0.2},
	}
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
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan kit.Delivery, s.cfg.QueueSize)
	s.accepting = true
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in delivery worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.Stack(logx.StackTrace(3, 16)))
				}
			}()
			s.workerLoop()
		}()
	}
	s.log.Info("delivery started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	done := s.stopDone
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	// Wait for in-flight enqueues, then close the queue so workers drain it.
	ch := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return
	case <-ch:
	}

	close(q)

	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.queue = nil
	s.stopDone = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()
	s.log.Info("delivery stopped")
}

// Deliver queues one delivery. Non-blocking: a full queue returns
// ErrQueueFull so the caller can decide what to surface.
func (s *Service) Deliver(ctx context.Context, d kit.Delivery) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if d.Result == nil && d.Failure == nil {
		return errors.New("delivery: empty payload")
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- d:
		s.publish("delivery.queued", d, nil)
		return nil
	default:
		s.publish("delivery.dropped", d, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop() {
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for d := range q {
		if runCtx != nil {
			select {
			case <-runCtx.Done():
				return
			default:
			}
		}
		s.sendWithRetry(runCtx, d)
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, d kit.Delivery) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	tr := s.transport
	retry := s.retry
	s.mu.Unlock()

	if tr == nil {
		return
	}

	base := runCtx
	if base == nil {
		base = context.Background()
	}

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		// Rate limit (honor cancellation).
		if lim != nil {
			if err := lim.Wait(base); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(base, cfg.SendTimeout)
		err := tr.Send(callCtx, d)
		cancel()
		if err == nil {
			s.publish("delivery.sent", d, nil)
			return
		}
		lastErr = err
		s.log.Debug("delivery send failed",
			logx.String("tenant", d.TenantID),
			logx.Int("attempt", attempt),
			logx.Err(err))

		if attempt >= retry.MaxAttempts {
			break
		}
		delay := retry.Delay(attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-base.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	s.log.Warn("delivery abandoned",
		logx.String("tenant", d.TenantID), logx.Err(lastErr))
	s.publish("delivery.failed", d, lastErr)
}

func (s *Service) publish(typ string, d kit.Delivery, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := Event{TenantID: d.TenantID, Failure: d.Failure != nil, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
