// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hemant/titandelay/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = log.NewLogger(nil)

func newTestPool(core, maxSize, backlog int, keepAlive time.Duration) *workerPool {
	return newWorkerPool(workerPoolParams{
		logger:      testLogger,
		name:        "orders-0",
		coreSize:    core,
		maxSize:     maxSize,
		keepAlive:   keepAlive,
		backlogSize: backlog,
	})
}

func TestWorkerPoolRunsTasks(t *testing.T) {
	p := newTestPool(2, 2, 8, time.Second)
	var n atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.submit(context.Background(), func(context.Context) { n.Add(1) }))
	}
	p.shutdown(context.Background())
	assert.EqualValues(t, 20, n.Load(), "shutdown must drain queued tasks")
	assert.Equal(t, 0, p.size())
}

func TestWorkerPoolGrowsAndShrinks(t *testing.T) {
	p := newTestPool(1, 3, 1, 50*time.Millisecond)
	defer p.shutdown(context.Background())

	release := make(chan struct{})
	var started atomic.Int32
	block := func(context.Context) {
		started.Add(1)
		<-release
	}

	// One core worker busy, one task queued, then two more force growth.
	for i := 0; i < 4; i++ {
		require.NoError(t, p.submit(context.Background(), block))
	}
	assert.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, p.size())

	close(release)
	assert.Eventually(t, func() bool { return p.size() == 1 }, 2*time.Second, 10*time.Millisecond,
		"extra workers must exit after keep-alive")
	assert.EqualValues(t, 4, started.Load())
}

func TestWorkerPoolBackpressure(t *testing.T) {
	p := newTestPool(1, 1, 1, time.Second)
	release := make(chan struct{})
	block := func(context.Context) { <-release }

	require.NoError(t, p.submit(context.Background(), block))
	// Wait until the worker picked up the first task so the backlog is empty.
	assert.Eventually(t, func() bool { return len(p.backlog) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.submit(context.Background(), block))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.submit(ctx, block)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a saturated pool must block submit")

	close(release)
	p.shutdown(context.Background())
	assert.ErrorIs(t, p.submit(context.Background(), block), errPoolClosed)
}

func TestWorkerPoolShutdownCancelsAfterTimeout(t *testing.T) {
	p := newTestPool(1, 1, 1, time.Second)
	cancelled := make(chan struct{})
	require.NoError(t, p.submit(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	p.shutdown(ctx)

	select {
	case <-cancelled:
	default:
		t.Fatal("running task was not cancelled")
	}
	assert.Less(t, time.Since(start), forceStopWait)
}
