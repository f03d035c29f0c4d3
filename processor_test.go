// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hemant/titandelay/internal/errors"
	"github.com/hemant/titandelay/internal/memstore"
	"github.com/hemant/titandelay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestProcessor(t *testing.T, h Handler, maxRetry int, interval time.Duration) (*processor, *sleepRecorder, *DeadLetterStore) {
	t.Helper()
	m := metrics.New()
	dl := newDeadLetterStore(deadLetterStoreParams{
		logger:     testLogger,
		store:      memstore.New(),
		metrics:    m,
		maxSize:    100,
		evictBatch: 10,
		interval:   time.Hour,
		retention:  time.Hour,
	})
	p := newProcessor(processorParams{
		logger:           testLogger,
		handler:          h,
		deadLetters:      dl,
		metrics:          m,
		maxRetryAttempts: maxRetry,
		retryInterval:    interval,
		maxBackoff:       time.Minute,
	})
	rec := &sleepRecorder{}
	p.sleep = rec.sleep
	return p, rec, dl
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		interval time.Duration
		n        int
		want     time.Duration
	}{
		{5 * time.Second, 0, 0},
		{5 * time.Second, 1, 5 * time.Second},
		{5 * time.Second, 2, 10 * time.Second},
		{5 * time.Second, 3, 20 * time.Second},
		{5 * time.Second, 4, 40 * time.Second},
		{5 * time.Second, 5, time.Minute},
		{5 * time.Second, 64, time.Minute},
		{100 * time.Millisecond, 2, 200 * time.Millisecond},
		{2 * time.Minute, 1, time.Minute},
	}
	for _, tc := range tests {
		got := RetryBackoff(tc.interval, time.Minute, tc.n)
		assert.Equal(t, tc.want, got, "RetryBackoff(%v, 1m, %d)", tc.interval, tc.n)
	}
}

func TestProcessSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	h := NewHandler("orders", func(ctx context.Context, content string) error {
		calls++
		assert.Equal(t, "hello", content)
		return nil
	})
	p, rec, _ := newTestProcessor(t, h, 3, time.Second)

	assert.Equal(t, outcomeSucceeded, p.process(context.Background(), "hello"))
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.sleeps)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.MessagesProcessed.WithLabelValues("orders", metrics.OutcomeSucceeded)))
}

func TestProcessRetriesWithBackoffThenSucceeds(t *testing.T) {
	calls := 0
	h := NewHandler("orders", func(ctx context.Context, content string) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("attempt %d failed", calls)
		}
		return nil
	})
	p, rec, dl := newTestProcessor(t, h, 3, 100*time.Millisecond)

	assert.Equal(t, outcomeSucceeded, p.process(context.Background(), `{"id":1}`))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.sleeps)

	n, err := dl.Len(context.Background(), "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestProcessDeadLettersAfterExhaustion(t *testing.T) {
	calls := 0
	h := NewHandler("orders", func(ctx context.Context, content string) error {
		calls++
		return fmt.Errorf("failure #%d", calls)
	})
	p, rec, dl := newTestProcessor(t, h, 3, 5*time.Second)

	assert.Equal(t, outcomeDeadLettered, p.process(context.Background(), "payload"))
	assert.Equal(t, 4, calls, "one attempt plus MaxRetryAttempts retries")
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, rec.sleeps)

	got, err := dl.List(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "payload", got[0].Content)
	assert.Equal(t, "failure #4", got[0].Error, "the final failure reason is recorded")
	assert.Equal(t, 4, got[0].RetryCount)
	assert.Equal(t, 3.0, testutil.ToFloat64(p.metrics.Retries.WithLabelValues("orders")))
}

func TestProcessWithRetriesDisabled(t *testing.T) {
	h := NewHandler("orders", func(ctx context.Context, content string) error {
		return errors.New("nope")
	})
	p, rec, dl := newTestProcessor(t, h, 0, time.Second)

	assert.Equal(t, outcomeDeadLettered, p.process(context.Background(), "x"))
	assert.Empty(t, rec.sleeps)
	n, err := dl.Len(context.Background(), "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestProcessRecoversPanic(t *testing.T) {
	h := NewHandler("orders", func(ctx context.Context, content string) error {
		panic("nil map write")
	})
	p, _, dl := newTestProcessor(t, h, 1, time.Millisecond)

	assert.Equal(t, outcomeDeadLettered, p.process(context.Background(), "x"))
	got, err := dl.List(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Error, "panic")
	assert.Contains(t, got[0].Error, "nil map write")
}

func TestProcessAbandonsOnCancellation(t *testing.T) {
	t.Run("context cancelled during handler", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		h := NewHandler("orders", func(ctx context.Context, content string) error {
			cancel()
			return ctx.Err()
		})
		p, _, dl := newTestProcessor(t, h, 3, time.Second)

		assert.Equal(t, outcomeAbandoned, p.process(ctx, "x"))
		n, err := dl.Len(context.Background(), "orders")
		require.NoError(t, err)
		assert.EqualValues(t, 0, n, "abandoned messages are not dead-lettered")
	})

	t.Run("handler reports cancellation", func(t *testing.T) {
		h := NewHandler("orders", func(ctx context.Context, content string) error {
			return fmt.Errorf("shutting down: %w", context.Canceled)
		})
		p, _, _ := newTestProcessor(t, h, 3, time.Second)
		assert.Equal(t, outcomeAbandoned, p.process(context.Background(), "x"))
	})

	t.Run("context cancelled during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		h := NewHandler("orders", func(ctx context.Context, content string) error {
			return errors.New("transient")
		})
		p, _, dl := newTestProcessor(t, h, 3, time.Second)
		p.sleep = func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}

		assert.Equal(t, outcomeAbandoned, p.process(ctx, "x"))
		n, err := dl.Len(context.Background(), "orders")
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})
}
