// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/hemant/titandelay/internal/log"
	"github.com/hemant/titandelay/internal/metrics"
)

// outcome is the terminal state of one message in a worker.
type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeDeadLettered
	// outcomeAbandoned means processing stopped because of cancellation.
	// The message is neither acknowledged nor dead-lettered.
	outcomeAbandoned
)

func (o outcome) String() string {
	switch o {
	case outcomeSucceeded:
		return metrics.OutcomeSucceeded
	case outcomeDeadLettered:
		return metrics.OutcomeDeadLettered
	case outcomeAbandoned:
		return metrics.OutcomeAbandoned
	}
	return "unknown"
}

// processor runs the retry loop for messages of one topic.
type processor struct {
	logger      *log.Logger
	topic       string
	handler     Handler
	deadLetters *DeadLetterStore
	metrics     *metrics.Metrics

	maxRetryAttempts int
	retryInterval    time.Duration
	maxBackoff       time.Duration

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

type processorParams struct {
	logger           *log.Logger
	handler          Handler
	deadLetters      *DeadLetterStore
	metrics          *metrics.Metrics
	maxRetryAttempts int
	retryInterval    time.Duration
	maxBackoff       time.Duration
}

func newProcessor(params processorParams) *processor {
	m := params.metrics
	if m == nil {
		m = metrics.New()
	}
	return &processor{
		logger:           params.logger,
		topic:            params.handler.Topic(),
		handler:          params.handler,
		deadLetters:      params.deadLetters,
		metrics:          m,
		maxRetryAttempts: params.maxRetryAttempts,
		retryInterval:    params.retryInterval,
		maxBackoff:       params.maxBackoff,
		sleep:            sleepCtx,
	}
}

// RetryBackoff returns the wait before the n-th retry (n >= 1):
// interval * 2^(n-1), capped at maxBackoff.
func RetryBackoff(interval, maxBackoff time.Duration, n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := interval
	for i := 1; i < n; i++ {
		if d >= maxBackoff/2 {
			return maxBackoff
		}
		d *= 2
	}
	return min(d, maxBackoff)
}

// process delivers content to the handler until it succeeds, the retries
// are exhausted, or ctx is cancelled.
func (p *processor) process(ctx context.Context, content string) outcome {
	o := p.run(ctx, content)
	p.metrics.ObserveOutcome(p.topic, o.String())
	return o
}

func (p *processor) run(ctx context.Context, content string) outcome {
	attempt := 0
	for {
		if attempt > 0 {
			p.metrics.Retries.WithLabelValues(p.topic).Inc()
			if err := p.sleep(ctx, RetryBackoff(p.retryInterval, p.maxBackoff, attempt)); err != nil {
				p.logger.Warnf("Retry of %q message abandoned: %v", p.topic, err)
				return outcomeAbandoned
			}
		}
		start := time.Now()
		err := p.exec(ctx, content)
		p.metrics.ObserveHandler(p.topic, time.Since(start))
		if err == nil {
			return outcomeSucceeded
		}
		if isCancellation(ctx, err) {
			p.logger.Warnf("Processing of %q message abandoned: %v", p.topic, err)
			return outcomeAbandoned
		}
		attempt++
		if attempt > p.maxRetryAttempts {
			p.logger.Errorf("Processing of %q message failed after %d attempts: %v", p.topic, attempt, err)
			p.deadLetters.MoveToDeadLetterQueue(ctx, p.topic, content, err, attempt)
			return outcomeDeadLettered
		}
		p.logger.Warnf("Attempt %d for %q message failed: %v", attempt, p.topic, err)
	}
}

// exec calls the handler and converts a panic into an error.
func (p *processor) exec(ctx context.Context, content string) (err error) {
	defer func() {
		if x := recover(); x != nil {
			p.logger.Errorf("recovering from panic. See the stack trace below for details:\n%s", string(debug.Stack()))
			_, file, line, ok := runtime.Caller(1) // skip the first frame (panic itself)
			if ok {
				err = fmt.Errorf("panic [%s:%d]: %v", file, line, x)
			} else {
				err = fmt.Errorf("panic: %v", x)
			}
		}
	}()
	return p.handler.Execute(ctx, content)
}

// isCancellation reports whether err ends processing without a verdict on
// the message: ctx is done or the handler reported cancellation.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
