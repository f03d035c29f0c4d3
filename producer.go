// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/metrics"
	"github.com/hemant/titandelay/internal/timeutil"
)

// DelayChannel is one partition of a topic: a named handle on the delay store.
type DelayChannel struct {
	topic     string
	partition int
	name      string
	store     base.DelayStore
	clock     timeutil.Clock
}

func newDelayChannel(store base.DelayStore, topic string, partition int) *DelayChannel {
	return &DelayChannel{
		topic:     topic,
		partition: partition,
		name:      base.ChannelName(topic, partition),
		store:     store,
		clock:     timeutil.NewRealClock(),
	}
}

// Name returns the channel name, "<topic>-<partition>".
func (c *DelayChannel) Name() string { return c.name }

// Topic returns the topic the channel belongs to.
func (c *DelayChannel) Topic() string { return c.topic }

// Partition returns the partition index of the channel.
func (c *DelayChannel) Partition() int { return c.partition }

// Schedule stores content so that it becomes takeable after delay.
// A negative delay is treated as zero. Errors from the delay store are
// returned unchanged.
func (c *DelayChannel) Schedule(ctx context.Context, content string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	env := &base.Envelope{
		ID:          uuid.NewString(),
		Content:     content,
		Delay:       delay.Milliseconds(),
		ScheduledAt: c.clock.Now().UnixMilli(),
	}
	return c.store.Offer(ctx, c.name, env, delay)
}

// Take blocks until an envelope of this channel is due, or ctx is done.
func (c *DelayChannel) Take(ctx context.Context) (*Envelope, error) {
	return c.store.Take(ctx, c.name)
}

// ProducerRouter spreads the messages of one topic over its partitions
// in round-robin order.
type ProducerRouter struct {
	topic    string
	selector *PartitionSelector
	channels []*DelayChannel
	metrics  *metrics.Metrics
}

type producerRouterParams struct {
	topic      string
	partitions int
	store      base.DelayStore
	metrics    *metrics.Metrics
}

func newProducerRouter(params producerRouterParams) *ProducerRouter {
	sel := NewPartitionSelector(params.partitions)
	channels := make([]*DelayChannel, sel.Partitions())
	for i := range channels {
		channels[i] = newDelayChannel(params.store, params.topic, i)
	}
	m := params.metrics
	if m == nil {
		m = metrics.New()
	}
	return &ProducerRouter{
		topic:    params.topic,
		selector: sel,
		channels: channels,
		metrics:  m,
	}
}

// Topic returns the routed topic.
func (r *ProducerRouter) Topic() string { return r.topic }

// Channels returns the partitions of the topic ordered by index.
func (r *ProducerRouter) Channels() []*DelayChannel {
	return append([]*DelayChannel(nil), r.channels...)
}

// Channel returns the i-th partition of the topic.
func (r *ProducerRouter) Channel(i int) (*DelayChannel, error) {
	if i < 0 || i >= len(r.channels) {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidPartition, i, len(r.channels))
	}
	return r.channels[i], nil
}

// Send schedules content on the next partition. The selector advances
// exactly once per call, whether or not the store accepts the message.
func (r *ProducerRouter) Send(ctx context.Context, content string, delay time.Duration) error {
	ch := r.channels[r.selector.Next()]
	err := ch.Schedule(ctx, content, delay)
	r.metrics.ObserveSend(r.topic, err)
	return err
}
