package broadcast

import (
	"context"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"pewcast/internal/targets"
	logx "pewcast/pkg/logx"
)

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Flags == nil {
		deps.Flags = targets.None
	}
	cfg = normalize(cfg)
	return &Service{
		cfg:       cfg,
		deps:      deps,
		log:       log,
		pause:     sleepCtx,
		jitter:    uniformJitter,
		queue:     make(chan Task, cfg.QueueSize),
		status:    map[string]*JobStatus{},
		statusTTL: cfg.StatusTTL,
		statusMax: cfg.StatusMax,
	}
}

func normalize(cfg Config) Config {
	if cfg.PaceMin < 0 {
		cfg.PaceMin = 0
	}
	if cfg.PaceMin == 0 && cfg.PaceMax == 0 {
		cfg.PaceMin, cfg.PaceMax = DefaultPaceMin, DefaultPaceMax
	}
	if cfg.PaceMax < cfg.PaceMin {
		cfg.PaceMax = cfg.PaceMin
	}
	if cfg.RecallDelay <= 0 {
		cfg.RecallDelay = DefaultRecallDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return cfg
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps pacing and status bounds. The queue size is fixed at New.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	cfg.QueueSize = s.cfg.QueueSize
	s.cfg = cfg
	s.mu.Unlock()

	s.statusMu.Lock()
	s.statusTTL = cfg.StatusTTL
	s.statusMax = cfg.StatusMax
	s.statusMu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start runs the job worker. A single worker keeps broadcasts serialized.
func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double workers).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	// keep queue across restarts (jobs remain pending)
	queue := s.queue
	stopCh := s.stopCh

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in broadcast worker", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.worker(runCtx, stopCh, queue)
	}()

	s.log.Info("service started", logx.Int("queue_cap", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func uniformJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}
