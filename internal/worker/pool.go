// Package worker runs IO-bound background jobs on a small fixed-size pool.
//
// Jobs submitted under the same key run one at a time in submission order,
// and a job still waiting for its key is replaced by a newer submission.
// That keeps persistence writes ordered while dropping superseded snapshots.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("worker pool closed")

// Job is a unit of background work.
type Job func(ctx context.Context) error

// Pool is a bounded worker pool with per-key ordering.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	logger zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
	pending map[string]Job
	closed  bool
	wg      sync.WaitGroup
}

// New creates a pool running at most size jobs at once.
func New(size int, logger zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	g.SetLimit(size)
	return &Pool{
		ctx:     ctx,
		cancel:  cancel,
		group:   g,
		logger:  logger,
		running: make(map[string]bool),
		pending: make(map[string]Job),
	}
}

// Submit schedules job under key.
func (p *Pool) Submit(key string, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.running[key] {
		p.pending[key] = job
		return nil
	}
	p.start(key, job)
	return nil
}

// start must be called with p.mu held.
func (p *Pool) start(key string, job Job) {
	p.running[key] = true
	p.wg.Add(1)
	go p.group.Go(func() error {
		defer p.wg.Done()
		if err := job(p.ctx); err != nil {
			p.logger.Warn().Err(err).Str("key", key).Msg("background job failed")
		}
		p.finish(key)
		return nil
	})
}

func (p *Pool) finish(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.running, key)
	if next, ok := p.pending[key]; ok {
		delete(p.pending, key)
		p.start(key, next)
	}
}

// Flush blocks until every submitted job, including queued follow-ups, has run.
func (p *Pool) Flush() {
	p.wg.Wait()
}

// Close drains outstanding jobs and rejects new ones.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
