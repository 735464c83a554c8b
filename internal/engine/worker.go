package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"acp-orchestrator/internal/repository"
	"acp-orchestrator/internal/resilience"
)

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Size         int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	InputMaxAge  time.Duration
}

// Pool runs a fixed set of workers that claim runnable jobs and advance
// them one step at a time. The jobs table is the queue: a claim takes a
// lease, so a crashed worker's job becomes claimable again once the
// lease expires.
type Pool struct {
	store  repository.JobStore
	engine *Engine
	logger resilience.Logger
	cfg    PoolConfig
}

// NewPool creates a worker pool over the given store and engine.
func NewPool(store repository.JobStore, engine *Engine, logger resilience.Logger, cfg PoolConfig) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	return &Pool{store: store, engine: engine, logger: logger, cfg: cfg}
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has drained its in-flight job.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Size; i++ {
		owner := fmt.Sprintf("worker-%d-%s", i, uuid.New().String()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, owner)
		}()
	}
	p.logger.Info("worker pool started with %d workers", p.cfg.Size)
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) work(ctx context.Context, owner string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.store.NextRunnable(ctx, owner, p.cfg.LeaseTTL, p.cfg.InputMaxAge)
		if err != nil {
			p.logger.Error("%s: claim failed: %v", owner, err)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		if err := p.engine.Advance(ctx, job.ID); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				// another worker won the write; the job stays consistent
				// and will be re-claimed
				p.logger.Debug("%s: job %s advanced elsewhere", owner, job.ID)
			} else {
				p.logger.Error("%s: advance job %s: %v", owner, job.ID, err)
			}
		}
		if err := p.store.ReleaseLease(ctx, job.ID, owner); err != nil && ctx.Err() == nil {
			p.logger.Warn("%s: release lease on %s: %v", owner, job.ID, err)
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
