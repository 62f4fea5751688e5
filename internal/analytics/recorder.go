// Package analytics persists routing decisions off the request path.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/store"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Config holds recorder tunables.
type Config struct {
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Recorder buffers routing decisions on a channel and writes them to the
// store in batches. Record never blocks the request path; when the buffer is
// full the decision is dropped with a warning.
type Recorder struct {
	store  store.Store
	logger *logrus.Logger
	buffer chan *types.RoutingDecision

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewRecorder creates the recorder and starts its flush goroutine.
func NewRecorder(st store.Store, cfg Config, logger *logrus.Logger) *Recorder {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	r := &Recorder{
		store:  st,
		logger: logger,
		buffer: make(chan *types.RoutingDecision, cfg.BufferSize),
		stop:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.flushLoop(cfg.FlushInterval)
	return r
}

// Record enqueues a decision for persistence.
func (r *Recorder) Record(decision *types.RoutingDecision) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}

	select {
	case r.buffer <- decision:
	default:
		r.logger.Warn("Decision buffer full, dropping routing decision")
	}
}

// Recent returns the newest decisions, up to limit.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]types.RoutingDecision, error) {
	return r.store.ListDecisions(ctx, limit)
}

// Stop flushes pending decisions and halts the goroutine.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()

	close(r.buffer)
	for d := range r.buffer {
		r.write(d)
	}
}

func (r *Recorder) flushLoop(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case d := <-r.buffer:
			r.write(d)
		case <-ticker.C:
			r.drain()
		case <-r.stop:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case d := <-r.buffer:
			r.write(d)
		default:
			return
		}
	}
}

func (r *Recorder) write(d *types.RoutingDecision) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveDecision(ctx, d); err != nil {
		r.logger.WithError(err).Warn("Failed to persist routing decision")
	}
}
