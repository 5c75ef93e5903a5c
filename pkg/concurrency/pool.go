// Package concurrency wraps the pond worker pool with the engine's sizing
// and logging conventions.
package concurrency

import (
	"fmt"
	"time"

	"github.com/alitto/pond"

	"dca_engine/internal/core"
)

// PoolConfig sizes one pool. NonBlocking pools shed load: Submit fails
// instead of parking the caller when the queue is full.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool
}

// WorkerPool is a named pond pool. Panics inside tasks are recovered and
// logged instead of tearing the process down.
type WorkerPool struct {
	pool *pond.WorkerPool
	cfg  PoolConfig
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}

	poolLogger := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	return &WorkerPool{
		pool: pond.New(
			cfg.MaxWorkers,
			cfg.MaxCapacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				poolLogger.Error("Task panic recovered", "panic", p)
			}),
		),
		cfg: cfg,
	}
}

// Submit hands a task to the pool. A full NonBlocking pool rejects it with
// an error; blocking pools park the caller until a queue slot frees up.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.cfg.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool %q is full (capacity %d)", wp.cfg.Name, wp.cfg.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// Stop waits for queued and running tasks, then tears the workers down.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// WaitingTasks reports the queue backlog.
func (wp *WorkerPool) WaitingTasks() uint64 {
	return wp.pool.WaitingTasks()
}
