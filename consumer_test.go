// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/errors"
	"github.com/hemant/titandelay/internal/memstore"
	"github.com/hemant/titandelay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		CorePoolSize:     2,
		RetryInterval:    time.Millisecond,
		MaxBackoff:       10 * time.Millisecond,
		ShutdownTimeout:  2 * time.Second,
		TakeErrorBackoff: 20 * time.Millisecond,
	}
}

func newTestConsumerParams(b base.Broker, h Handler, cfg Config) consumerParams {
	opts := newOptions(cfg)
	opts.logger = testLogger
	m := metrics.New()
	return consumerParams{
		broker:      b,
		topic:       h.Topic(),
		partition:   0,
		handler:     h,
		deadLetters: newDeadLetterStoreFromOptions(b, m, opts),
		metrics:     m,
		opts:        opts,
	}
}

// collector records every content handed to it.
type collector struct {
	mu   sync.Mutex
	got  []string
	recv chan string
}

func newCollector() *collector {
	return &collector{recv: make(chan string, 100)}
}

func (c *collector) handler(topic string) Handler {
	return NewHandler(topic, func(ctx context.Context, content string) error {
		c.mu.Lock()
		c.got = append(c.got, content)
		c.mu.Unlock()
		c.recv <- content
		return nil
	})
}

func (c *collector) contents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func TestStandardConsumerDeliversAfterDelay(t *testing.T) {
	broker := memstore.New()
	col := newCollector()
	c := newStandardConsumer(newTestConsumerParams(broker, col.handler("orders"), testConfig()))

	require.NoError(t, c.Start())
	defer c.Stop()
	assert.True(t, c.Running())
	assert.Equal(t, "orders", c.Topic())
	assert.Equal(t, 0, c.Partition())

	sentAt := time.Now()
	ch := newDelayChannel(broker, "orders", 0)
	require.NoError(t, ch.Schedule(context.Background(), "late", 80*time.Millisecond))
	require.NoError(t, ch.Schedule(context.Background(), "now", 0))

	select {
	case got := <-col.recv:
		assert.Equal(t, "now", got)
	case <-time.After(2 * time.Second):
		t.Fatal("due message was not delivered")
	}
	select {
	case got := <-col.recv:
		assert.Equal(t, "late", got)
		assert.GreaterOrEqual(t, time.Since(sentAt), 80*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed message was not delivered")
	}
}

func TestConsumerStartTwice(t *testing.T) {
	c := newStandardConsumer(newTestConsumerParams(memstore.New(), newCollector().handler("orders"), testConfig()))

	require.NoError(t, c.Start())
	err := c.Start()
	assert.True(t, errors.Is(err, ErrConsumerRunning), "got %v", err)

	c.Stop()
	assert.False(t, c.Running())
	err = c.Start()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConsumerRunning))

	assert.NotPanics(t, c.Stop, "Stop on a stopped consumer is a no-op")
}

func TestConsumerStopDrainsInFlight(t *testing.T) {
	broker := memstore.New()
	started := make(chan struct{})
	var finished atomic.Bool
	h := NewHandler("orders", func(ctx context.Context, content string) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	c := newStandardConsumer(newTestConsumerParams(broker, h, testConfig()))
	require.NoError(t, c.Start())
	require.NoError(t, newDelayChannel(broker, "orders", 0).Schedule(context.Background(), "x", 0))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
	c.Stop()
	assert.True(t, finished.Load(), "Stop returns after in-flight messages finish")
}

func TestConsumerStopAbandonsAfterTimeout(t *testing.T) {
	broker := memstore.New()
	started := make(chan struct{})
	h := NewHandler("orders", func(ctx context.Context, content string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	params := newTestConsumerParams(broker, h, cfg)
	c := newStandardConsumer(params)
	require.NoError(t, c.Start())
	require.NoError(t, newDelayChannel(broker, "orders", 0).Schedule(context.Background(), "x", 0))
	<-started

	c.Stop()

	n, err := params.deadLetters.Len(context.Background(), "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "cancelled messages are not dead-lettered")
	assert.Equal(t, 1.0, testutil.ToFloat64(params.metrics.MessagesProcessed.WithLabelValues("orders", metrics.OutcomeAbandoned)))
}

func TestConsumerDeadLettersFailingMessage(t *testing.T) {
	broker := memstore.New()
	var calls atomic.Int32
	h := NewHandler("orders", func(ctx context.Context, content string) error {
		calls.Add(1)
		return errors.New("downstream unavailable")
	})
	cfg := testConfig()
	cfg.MaxRetryAttempts = 2
	params := newTestConsumerParams(broker, h, cfg)
	c := newStandardConsumer(params)
	require.NoError(t, c.Start())
	defer c.Stop()
	require.NoError(t, newDelayChannel(broker, "orders", 0).Schedule(context.Background(), `{"id":3}`, 0))

	assert.Eventually(t, func() bool {
		n, err := params.deadLetters.Len(context.Background(), "orders")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := params.deadLetters.List(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, `{"id":3}`, got[0].Content)
	assert.Equal(t, "downstream unavailable", got[0].Error)
	assert.Equal(t, 3, got[0].RetryCount)
	assert.EqualValues(t, 3, calls.Load())
}

// flakyBroker fails every Take.
type flakyBroker struct {
	*memstore.Broker
	takes atomic.Int32
}

func (b *flakyBroker) Take(ctx context.Context, channel string) (*base.Envelope, error) {
	b.takes.Add(1)
	return nil, errors.New("connection refused")
}

func TestConsumerPacesTakeErrors(t *testing.T) {
	broker := &flakyBroker{Broker: memstore.New()}
	cfg := testConfig()
	cfg.TakeErrorBackoff = 50 * time.Millisecond
	params := newTestConsumerParams(broker, newCollector().handler("orders"), cfg)
	c := newStandardConsumer(params)

	require.NoError(t, c.Start())
	time.Sleep(230 * time.Millisecond)
	c.Stop()

	n := broker.takes.Load()
	assert.GreaterOrEqual(t, n, int32(2), "takes are retried")
	assert.LessOrEqual(t, n, int32(8), "takes are paced by TakeErrorBackoff")
	assert.Equal(t, float64(n), testutil.ToFloat64(params.metrics.TakeErrors.WithLabelValues("orders")))
}

func TestConsumerPausesAfterFirstTakeError(t *testing.T) {
	broker := &flakyBroker{Broker: memstore.New()}
	cfg := testConfig()
	cfg.TakeErrorBackoff = 300 * time.Millisecond
	c := newStandardConsumer(newTestConsumerParams(broker, newCollector().handler("orders"), cfg))

	require.NoError(t, c.Start())
	defer c.Stop()
	assert.Eventually(t, func() bool { return broker.takes.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, broker.takes.Load(), "the first failure pauses too")
}

func TestConsumerRequeuesUndispatchedMessage(t *testing.T) {
	broker := memstore.New()
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	col := newCollector()
	h := NewHandler("orders", func(ctx context.Context, content string) error {
		started <- struct{}{}
		<-release
		return col.handler("orders").Execute(ctx, content)
	})
	cfg := testConfig()
	cfg.CorePoolSize = 1
	cfg.MaxPoolSize = 1
	cfg.BacklogSize = 1
	c := newStandardConsumer(newTestConsumerParams(broker, h, cfg))
	require.NoError(t, c.Start())

	ch := newDelayChannel(broker, "orders", 0)
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, ch.Schedule(context.Background(), s, 0))
	}
	<-started
	// One message runs, one waits in the backlog and the listener holds the third.
	assert.Eventually(t, func() bool {
		_, ready, err := broker.Backlog(context.Background(), ch.Name())
		return err == nil && ready == 0
	}, 2*time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	c.Stop()

	assert.Len(t, col.contents(), 2)
	_, ready, err := broker.Backlog(context.Background(), ch.Name())
	require.NoError(t, err)
	assert.EqualValues(t, 1, ready, "the undispatched message is back on its channel")
}
