// Package render batches display updates on a fixed tick. Updates coalesce
// per field key so a burst of pushes for one gauge costs one repaint, and
// keys keep their first-enqueued order so the display updates predictably.
package render

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Update is one display change flushed to the sink.
type Update struct {
	Key   string
	Value any
	At    time.Time // When the latest value was enqueued
}

// Sink receives flushed update batches. Called from the scheduler's tick
// goroutine; implementations should hand off quickly.
type Sink func(updates []Update)

// Config tunes the scheduler.
type Config struct {
	Tick       time.Duration
	MaxPending int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Tick:       100 * time.Millisecond,
		MaxPending: 1024,
	}
}

// Scheduler coalesces updates per key and flushes them on a tick.
type Scheduler struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*Update
	order   []string
	latest  map[string]any // last flushed value per key, what the display shows

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a display update scheduler.
func NewScheduler(cfg Config, sink Sink, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	return &Scheduler{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		pending: make(map[string]*Update),
		latest:  make(map[string]any),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()

	s.logger.Info("render scheduler started",
		"tick", s.cfg.Tick,
		"max_pending", s.cfg.MaxPending,
	)
	return nil
}

// Stop halts the tick loop after a final flush.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("render scheduler stop timed out")
		return ctx.Err()
	}

	s.Flush()
	return nil
}

// Enqueue records a display update. A newer value for a pending key
// replaces it in place; the key keeps its original flush position.
func (s *Scheduler) Enqueue(key string, value any) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.pending[key]; ok {
		u.Value = value
		u.At = now
		return
	}

	if len(s.order) >= s.cfg.MaxPending {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.pending, evicted)
		s.logger.Warn("render backlog full, evicting oldest pending update",
			"evicted_key", evicted,
			"max_pending", s.cfg.MaxPending,
		)
	}

	s.pending[key] = &Update{Key: key, Value: value, At: now}
	s.order = append(s.order, key)
}

// Pending returns the number of updates waiting for the next tick.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Snapshot returns the values currently on display (last flushed per key).
// Keys flushed with a nil value have been removed.
func (s *Scheduler) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// Flush drains pending updates to the sink immediately.
func (s *Scheduler) Flush() {
	batch := s.drain()
	if len(batch) > 0 && s.sink != nil {
		s.sink(batch)
	}
}

func (s *Scheduler) drain() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return nil
	}
	batch := make([]Update, 0, len(s.order))
	for _, key := range s.order {
		u := s.pending[key]
		batch = append(batch, *u)
		if u.Value == nil {
			delete(s.latest, key)
		} else {
			s.latest[key] = u.Value
		}
	}
	s.pending = make(map[string]*Update)
	s.order = nil
	return batch
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}
