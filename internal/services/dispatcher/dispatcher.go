package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"paperdigest/internal/backoff"
	"paperdigest/internal/eventbus"
	"paperdigest/internal/kit"
	logx "paperdigest/pkg/logx"
)

type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// PipelineTimeout caps a single pipeline invocation.
	PipelineTimeout time.Duration

	// LeaseSlack pads the lease TTL beyond the worst-case retry window so a
	// lease never expires under a still-running dispatch.
	LeaseSlack time.Duration

	Retry backoff.Policy
}

// Pipeline is the external recommendation engine.
type Pipeline interface {
	Recommend(ctx context.Context, tenantID string) (kit.Result, error)
	Digest(ctx context.Context, tenantID string, paperIDs []string) (kit.Result, error)
	Similar(ctx context.Context, tenantID string, paperIDs []string) (kit.Result, error)
}

// Reconciler handles sync requests.
type Reconciler interface {
	Sync(ctx context.Context, tenantID string, lookBack time.Duration) (kit.Result, error)
}

// Delivery receives results and terminal failure notices.
type Delivery interface {
	Deliver(ctx context.Context, d kit.Delivery) error
}

// Leases is the slice of the store the dispatcher needs for concurrency
// control.
type Leases interface {
	AcquireLease(ctx context.Context, key string, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, key string) error
}

type job struct {
	req      kit.Request
	leaseKey string
}

// DispatchEvent is the bus payload for dispatch.* events. The audit recorder
// subscribes to these.
type DispatchEvent struct {
	RequestID string
	TenantID  string
	Operation kit.Operation
	Origin    kit.Origin
	Started   time.Time
	Duration  time.Duration
	Attempts  int
	Error     string
}

// Service is the async dispatch engine. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	pipeline   Pipeline
	reconciler Reconciler
	delivery   Delivery
	leases     Leases

	queue     chan job
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	accepting bool

	// Lifetime counters for operator diagnostics.
	dropped uint64
}

func New(cfg Config, pipeline Pipeline, reconciler Reconciler, delivery Delivery, leases Leases, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:        log,
		bus:        bus,
		pipeline:   pipeline,
		reconciler: reconciler,
		delivery:   delivery,
		leases:     leases,
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
	// Note: live pool resizing is out of scope; worker count changes take
	// effect on the next Start.
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 2 * time.Minute
	}
	if cfg.LeaseSlack <= 0 {
		cfg.LeaseSlack = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = backoff.Default()
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
	// Fresh queue per run to avoid executing stale items after a stop/start
	// toggle.
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true

	workers := s.cfg.Workers
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue
	s.mu.Unlock()

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.Stack(logx.StackTrace(3, 16)))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.log.Info("dispatcher started",
		logx.Int("workers", workers), logx.Int("queue_size", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	stopCh := s.stopCh
	done := s.stopDone
	cancel := s.runCancel
	if stopCh == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.stopCh = nil
	s.runCancel = nil
	s.runCtx = nil
	s.queue = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		close(done)
		s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Submit validates, dedups and queues one request.
//
// Scheduler-origin duplicates are dropped with a nil error so the schedule
// is not treated as broken; user-origin duplicates get ErrAlreadyInProgress.
func (s *Service) Submit(ctx context.Context, req kit.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.queue
	accepting := s.accepting
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if !accepting || q == nil {
		return ErrStopped
	}

	key := req.DedupKey()
	if key != "" {
		until := time.Now().Add(s.leaseTTL(cfg))
		ok, err := s.leases.AcquireLease(ctx, key, until)
		if err != nil {
			return err
		}
		if !ok {
			if req.Origin == kit.OriginSchedule {
				s.log.Info("scheduled dispatch still in progress; dropping fire",
					logx.String("tenant", req.TenantID),
					logx.String("op", string(req.Operation())))
				s.publishEvent("dispatch.skipped", req, time.Now(), 0, 0, ErrAlreadyInProgress.Error())
				return nil
			}
			return ErrAlreadyInProgress
		}
	}

	select {
	case q <- job{req: req, leaseKey: key}:
		s.publishEvent("dispatch.queued", req, time.Now(), 0, 0, "")
		return nil
	default:
		if key != "" {
			_ = s.leases.ReleaseLease(ctx, key)
		}
		atomic.AddUint64(&s.dropped, 1)
		s.log.Warn("dispatch queue full; dropping request",
			logx.String("tenant", req.TenantID),
			logx.String("op", string(req.Operation())),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)))
		s.publishEvent("dispatch.dropped", req, time.Now(), 0, 0, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// leaseTTL covers every attempt plus every inter-attempt delay, padded with
// slack, so the lease cannot expire while its dispatch is still running.
func (s *Service) leaseTTL(cfg Config) time.Duration {
	attempts := cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	ttl := time.Duration(attempts)*cfg.PipelineTimeout +
		time.Duration(attempts-1)*cfg.Retry.MaxDelay +
		cfg.LeaseSlack
	return ttl
}

// Snapshot reports queue occupancy and drop counts for status surfaces.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	Dropped  uint64
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled: s.cfg.Enabled,
		Workers: s.cfg.Workers,
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
		snap.QueueCap = cap(s.queue)
	}
	s.mu.Unlock()
	snap.Dropped = atomic.LoadUint64(&s.dropped)
	return snap
}

func (s *Service) publishEvent(typ string, req kit.Request, started time.Time, dur time.Duration, attempts int, errStr string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: DispatchEvent{
		RequestID: req.ID,
		TenantID:  req.TenantID,
		Operation: req.Operation(),
		Origin:    req.Origin,
		Started:   started,
		Duration:  dur,
		Attempts:  attempts,
		Error:     errStr,
	}})
}
