// Package worker runs the pool of drivers that poll the task queue
// and hand claimed work to the engine.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/engine"
)

const (
	// DefaultWorkers is the number of concurrent drivers.
	DefaultWorkers = 4

	// DefaultPollInterval is how long an idle driver waits before
	// asking for work again.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultShutdownTimeout bounds graceful shutdown. Drivers still
	// running when it expires have their work cancelled.
	DefaultShutdownTimeout = 30 * time.Second
)

// Pool drives the engine with N concurrent workers.
type Pool struct {
	eng             *engine.Engine
	workers         int
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	log             *zap.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the driver count.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPollInterval sets the idle polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithShutdownTimeout sets the graceful-shutdown deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.shutdownTimeout = d
		}
	}
}

// WithLogger sets the process logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// New creates a worker pool over the engine.
func New(eng *engine.Engine, opts ...Option) *Pool {
	p := &Pool{
		eng:             eng,
		workers:         DefaultWorkers,
		pollInterval:    DefaultPollInterval,
		shutdownTimeout: DefaultShutdownTimeout,
		log:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the drivers and blocks until ctx is cancelled. Each
// driver finishes its in-flight task before exiting; tasks still
// running at the shutdown deadline are cancelled through their
// context.
func (p *Pool) Run(ctx context.Context) error {
	// task execution survives ctx cancellation until the hard
	// deadline, so in-flight work can finish cleanly
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.drive(ctx, execCtx, id)
		}(i)
	}

	p.log.Info("worker pool started",
		zap.Int("workers", p.workers),
		zap.Duration("poll_interval", p.pollInterval))

	<-ctx.Done()
	p.log.Info("shutting down", zap.Duration("deadline", p.shutdownTimeout))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-time.After(p.shutdownTimeout):
		execCancel()
		<-done
		return fmt.Errorf("shutdown deadline of %s exceeded, in-flight work cancelled", p.shutdownTimeout)
	}
}

// drive is one worker loop: claim, dispatch, back off when idle.
func (p *Pool) drive(ctx, execCtx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	log.Debug("driver started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("driver stopped")
			return
		default:
		}

		claimed, err := p.eng.RunOnce(execCtx)
		if err != nil {
			log.Error("dispatch error", zap.Error(err))
		}
		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
			log.Debug("driver stopped")
			return
		case <-time.After(p.pollInterval):
		}
	}
}
