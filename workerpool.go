// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hemant/titandelay/internal/log"
)

// errPoolClosed is returned by submit once shutdown has begun.
var errPoolClosed = errors.New("titandelay: worker pool closed")

// forceStopWait is how long shutdown waits for workers after cancelling them.
const forceStopWait = 5 * time.Second

// workerPool runs tasks on a bounded set of goroutines.
//
// coreSize workers live until shutdown. When the backlog is full, submit
// starts extra workers up to maxSize; an extra worker exits after staying
// idle for keepAlive. When the backlog is full and maxSize workers are
// busy, submit blocks.
type workerPool struct {
	logger *log.Logger
	name   string

	coreSize  int
	maxSize   int
	keepAlive time.Duration

	backlog chan func(context.Context)

	// ctx is passed to every task and cancelled to force workers to abort.
	ctx    context.Context
	cancel context.CancelFunc

	// quit is closed when shutdown begins; workers drain the backlog and exit.
	quit chan struct{}

	mu      sync.Mutex
	workers int
	closed  bool

	wg sync.WaitGroup
}

type workerPoolParams struct {
	logger      *log.Logger
	name        string
	coreSize    int
	maxSize     int
	keepAlive   time.Duration
	backlogSize int
	baseCtxFn   func() context.Context
}

func newWorkerPool(params workerPoolParams) *workerPool {
	baseCtx := context.Background()
	if params.baseCtxFn != nil {
		baseCtx = params.baseCtxFn()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	p := &workerPool{
		logger:    params.logger,
		name:      params.name,
		coreSize:  params.coreSize,
		maxSize:   max(params.maxSize, params.coreSize),
		keepAlive: params.keepAlive,
		backlog:   make(chan func(context.Context), params.backlogSize),
		ctx:       ctx,
		cancel:    cancel,
		quit:      make(chan struct{}),
	}
	p.mu.Lock()
	for i := 0; i < p.coreSize; i++ {
		p.spawn(true)
	}
	p.mu.Unlock()
	return p
}

// spawn starts a worker. p.mu must be held.
func (p *workerPool) spawn(core bool) {
	p.workers++
	p.wg.Add(1)
	go p.work(core)
}

func (p *workerPool) work(core bool) {
	defer p.wg.Done()
	var idle *time.Timer
	var idleC <-chan time.Time
	if !core {
		idle = time.NewTimer(p.keepAlive)
		defer idle.Stop()
		idleC = idle.C
	}
	for {
		select {
		case task := <-p.backlog:
			task(p.ctx)
			if idle != nil {
				idle.Reset(p.keepAlive)
			}
		case <-idleC:
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
			return
		case <-p.quit:
			for {
				select {
				case task := <-p.backlog:
					task(p.ctx)
				default:
					p.mu.Lock()
					p.workers--
					p.mu.Unlock()
					return
				}
			}
		}
	}
}

// submit queues task for execution. It blocks while the pool is saturated
// and returns ctx.Err() if ctx is done first.
func (p *workerPool) submit(ctx context.Context, task func(context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPoolClosed
	}
	select {
	case p.backlog <- task:
		p.mu.Unlock()
		return nil
	default:
	}
	if p.workers < p.maxSize {
		p.spawn(false)
	}
	p.mu.Unlock()

	select {
	case p.backlog <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return errPoolClosed
	}
}

// size returns the number of live workers.
func (p *workerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// shutdown stops accepting tasks and waits for queued and running tasks
// until ctx is done. Remaining workers are then cancelled and given
// forceStopWait to return.
func (p *workerPool) shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return
	case <-ctx.Done():
	}
	p.logger.Warnf("Workers of %s did not finish in time; cancelling them", p.name)
	p.cancel()

	t := time.NewTimer(forceStopWait)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		p.logger.Errorf("Workers of %s did not terminate after cancellation", p.name)
	}
}
