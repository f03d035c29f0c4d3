// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/log"
	"github.com/hemant/titandelay/internal/metrics"
	"golang.org/x/time/rate"
)

// requeueTimeout bounds the write that returns an undispatched message
// to its channel.
const requeueTimeout = 5 * time.Second

// Consumer pulls due messages from one partition of a topic and hands
// them to a Handler on a pool of workers.
type Consumer interface {
	// Topic returns the consumed topic.
	Topic() string

	// Partition returns the consumed partition index.
	Partition() int

	// Start starts the listener and the workers. It does not block.
	Start() error

	// Stop stops taking new messages, waits for in-flight messages up to
	// the shutdown timeout, and then cancels the remaining ones.
	Stop()
}

// consumer holds the machinery shared by StandardConsumer and ReliableConsumer.
type consumer struct {
	logger      *log.Logger
	broker      base.Broker
	channel     *DelayChannel
	handler     Handler
	proc        *processor
	deadLetters *DeadLetterStore
	metrics     *metrics.Metrics

	poolParams      workerPoolParams
	baseCtxFn       func() context.Context
	shutdownTimeout time.Duration

	// limiter paces retries of failed takes.
	limiter *rate.Limiter

	state   *serverState
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pool    *workerPool

	// recoverFn runs in the listener goroutine before the first take.
	recoverFn func(ctx context.Context)

	// claim is called for every taken envelope before dispatch and returns
	// the lease id, or "" if the message is not leased.
	claim func(ctx context.Context, env *base.Envelope) string
}

type consumerParams struct {
	broker      base.Broker
	topic       string
	partition   int
	handler     Handler
	deadLetters *DeadLetterStore
	metrics     *metrics.Metrics
	opts        options
}

func newConsumer(params consumerParams) *consumer {
	opts := params.opts
	m := params.metrics
	if m == nil {
		m = metrics.New()
	}
	ch := newDelayChannel(params.broker, params.topic, params.partition)
	c := &consumer{
		logger:      opts.logger,
		broker:      params.broker,
		channel:     ch,
		handler:     params.handler,
		deadLetters: params.deadLetters,
		metrics:     m,
		proc: newProcessor(processorParams{
			logger:           opts.logger,
			handler:          params.handler,
			deadLetters:      params.deadLetters,
			metrics:          m,
			maxRetryAttempts: opts.maxRetryAttempts,
			retryInterval:    opts.retryInterval,
			maxBackoff:       opts.maxBackoff,
		}),
		poolParams: workerPoolParams{
			logger:      opts.logger,
			name:        ch.Name(),
			coreSize:    opts.corePoolSize,
			maxSize:     opts.maxPoolSize,
			keepAlive:   opts.keepAlive,
			backlogSize: opts.backlogSize,
			baseCtxFn:   opts.baseCtxFn,
		},
		baseCtxFn:       opts.baseCtxFn,
		shutdownTimeout: opts.shutdownTimeout,
		limiter:         rate.NewLimiter(rate.Every(opts.takeErrorBackoff), 1),
		state:           &serverState{value: srvStateNew},
	}
	c.claim = func(context.Context, *base.Envelope) string { return "" }
	return c
}

func (c *consumer) Topic() string { return c.channel.Topic() }

func (c *consumer) Partition() int { return c.channel.Partition() }

// Running reports whether the listener is active.
func (c *consumer) Running() bool { return c.running.Load() }

// Start starts the listener goroutine and the worker pool.
func (c *consumer) Start() error {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	switch c.state.value {
	case srvStateActive:
		return fmt.Errorf("%w: %s", ErrConsumerRunning, c.channel.Name())
	case srvStateStopped, srvStateClosed:
		return fmt.Errorf("titandelay: consumer for %s has been stopped", c.channel.Name())
	}
	c.state.value = srvStateActive

	c.pool = newWorkerPool(c.poolParams)
	c.deadLetters.acquire(c.Topic())
	ctx, cancel := context.WithCancel(c.baseCtxFn())
	c.cancel = cancel
	c.running.Store(true)
	c.wg.Add(1)
	go c.listen(ctx)
	c.logger.Infof("Consumer for %s started", c.channel.Name())
	return nil
}

// Stop stops the listener, drains the worker pool and releases the
// dead-letter janitor. Stop is a no-op unless the consumer is running.
func (c *consumer) Stop() {
	c.state.mu.Lock()
	if c.state.value != srvStateActive {
		c.state.mu.Unlock()
		return
	}
	c.state.value = srvStateClosed
	c.state.mu.Unlock()

	c.logger.Debugf("Consumer for %s shutting down...", c.channel.Name())
	c.running.Store(false)
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	c.pool.shutdown(ctx)
	cancel()
	c.deadLetters.release()
	c.logger.Infof("Consumer for %s stopped", c.channel.Name())
}

func (c *consumer) listen(ctx context.Context) {
	defer c.wg.Done()
	if c.recoverFn != nil {
		c.recoverFn(ctx)
	}
	for c.running.Load() {
		env, err := c.channel.Take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.TakeErrors.WithLabelValues(c.Topic()).Inc()
			c.logger.Errorf("Failed to take from %s: %v", c.channel.Name(), err)
			// Spend any banked token so every failure pauses.
			c.limiter.Allow()
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			continue
		}
		leaseID := c.claim(ctx, env)
		if err := c.dispatch(ctx, env.Content, leaseID); err != nil {
			if leaseID == "" {
				c.requeue(env)
			}
			return
		}
	}
}

// dispatch submits content to the worker pool. It blocks while the pool is
// saturated and fails only if ctx is done or the pool is closed.
func (c *consumer) dispatch(ctx context.Context, content, leaseID string) error {
	inFlight := c.metrics.InFlight.WithLabelValues(c.Topic())
	inFlight.Inc()
	err := c.pool.submit(ctx, func(wctx context.Context) {
		defer inFlight.Dec()
		o := c.proc.process(wctx, content)
		if leaseID != "" && o != outcomeAbandoned {
			c.releaseLease(leaseID)
		}
	})
	if err != nil {
		inFlight.Dec()
	}
	return err
}

func (c *consumer) releaseLease(id string) {
	key := base.LeaseKey(c.channel.Name())
	if _, err := c.broker.Remove(context.Background(), key, id); err != nil {
		c.logger.Errorf("Failed to remove lease %s of %s: %v", id, c.channel.Name(), err)
	}
}

// requeue returns an envelope that was taken but never dispatched.
func (c *consumer) requeue(env *base.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if err := c.broker.Offer(ctx, c.channel.Name(), env, 0); err != nil {
		c.logger.Errorf("Failed to return message %s to %s, message is lost: %v", env.ID, c.channel.Name(), err)
		return
	}
	c.logger.Debugf("Returned undispatched message %s to %s", env.ID, c.channel.Name())
}

// StandardConsumer dispatches messages without recording leases.
// Messages taken but not finished when the process dies are lost.
type StandardConsumer struct {
	*consumer
}

// NewStandardConsumer returns a consumer for one partition of h.Topic()
// that reads from and dead-letters into broker.
func NewStandardConsumer(broker Broker, partition int, h Handler, cfg Config) *StandardConsumer {
	opts := newOptions(cfg)
	m := metrics.New()
	return newStandardConsumer(consumerParams{
		broker:      broker,
		topic:       h.Topic(),
		partition:   partition,
		handler:     h,
		deadLetters: newDeadLetterStoreFromOptions(broker, m, opts),
		metrics:     m,
		opts:        opts,
	})
}

func newStandardConsumer(params consumerParams) *StandardConsumer {
	return &StandardConsumer{consumer: newConsumer(params)}
}

func newDeadLetterStoreFromOptions(store base.Store, m *metrics.Metrics, opts options) *DeadLetterStore {
	return newDeadLetterStore(deadLetterStoreParams{
		logger:      opts.logger,
		store:       store,
		metrics:     m,
		maxSize:     opts.dlMaxSize,
		evictBatch:  opts.dlEvictBatch,
		interval:    opts.dlCleanInterval,
		retention:   opts.dlRetention,
		maskContent: opts.maskContent,
	})
}
