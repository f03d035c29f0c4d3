// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hemant/titandelay/internal/base"
)

// Inspector gives read access to the channels, leases and dead letters of
// a broker, plus dead-letter administration.
type Inspector struct {
	broker      base.Broker
	deadLetters *DeadLetterStore
	partitions  int
}

// NewInspector returns an Inspector over broker. partitions is the number
// of delay channels per topic; values below 1 use the default.
func NewInspector(broker Broker, partitions int) *Inspector {
	opts := newOptions(Config{Partitions: partitions})
	return newInspector(broker, newDeadLetterStoreFromOptions(broker, nil, opts), opts.partitions)
}

func newInspector(broker base.Broker, deadLetters *DeadLetterStore, partitions int) *Inspector {
	return &Inspector{broker: broker, deadLetters: deadLetters, partitions: partitions}
}

// PartitionInfo describes one delay channel.
type PartitionInfo struct {
	Channel   string `json:"channel"`
	Partition int    `json:"partition"`
	// Scheduled counts messages whose delay has not elapsed.
	Scheduled int64 `json:"scheduled"`
	// Ready counts due messages not yet taken.
	Ready int64 `json:"ready"`
	// Leased counts messages taken by a reliable consumer and not finished.
	Leased int64 `json:"leased"`
}

// TopicInfo describes a topic across its partitions.
type TopicInfo struct {
	Topic       string           `json:"topic"`
	Partitions  []*PartitionInfo `json:"partitions"`
	Scheduled   int64            `json:"scheduled"`
	Ready       int64            `json:"ready"`
	Leased      int64            `json:"leased"`
	DeadLetters int64            `json:"dead_letters"`
}

// LeaseInfo describes a message held by a reliable consumer.
type LeaseInfo struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Content   string    `json:"content"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Partitions returns the number of partitions per topic.
func (i *Inspector) Partitions() int { return i.partitions }

// Topic returns backlog counters for every partition of topic.
func (i *Inspector) Topic(ctx context.Context, topic string) (*TopicInfo, error) {
	if err := base.ValidateTopic(topic); err != nil {
		return nil, err
	}
	info := &TopicInfo{Topic: topic}
	for p := 0; p < i.partitions; p++ {
		ch := base.ChannelName(topic, p)
		scheduled, ready, err := i.broker.Backlog(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("titandelay: cannot read backlog of %s: %v", ch, err)
		}
		leased, err := i.broker.Len(ctx, base.LeaseKey(ch))
		if err != nil {
			return nil, fmt.Errorf("titandelay: cannot count leases of %s: %v", ch, err)
		}
		info.Partitions = append(info.Partitions, &PartitionInfo{
			Channel:   ch,
			Partition: p,
			Scheduled: scheduled,
			Ready:     ready,
			Leased:    leased,
		})
		info.Scheduled += scheduled
		info.Ready += ready
		info.Leased += leased
	}
	n, err := i.deadLetters.Len(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("titandelay: cannot count dead letters of %q: %v", topic, err)
	}
	info.DeadLetters = n
	return info, nil
}

// Leases returns the leases of every partition of topic, oldest first.
func (i *Inspector) Leases(ctx context.Context, topic string) ([]*LeaseInfo, error) {
	if err := base.ValidateTopic(topic); err != nil {
		return nil, err
	}
	var out []*LeaseInfo
	for p := 0; p < i.partitions; p++ {
		ch := base.ChannelName(topic, p)
		err := i.broker.Scan(ctx, base.LeaseKey(ch), func(id string, value []byte) error {
			info := &LeaseInfo{ID: id, Channel: ch}
			if l, err := base.DecodeLease(value); err == nil {
				info.Content = l.Content
				info.ClaimedAt = time.UnixMilli(l.ClaimedAt)
			}
			out = append(out, info)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].ClaimedAt.Before(out[b].ClaimedAt) })
	return out, nil
}

// DeadLetters returns the dead letters of topic, oldest first.
func (i *Inspector) DeadLetters(ctx context.Context, topic string) ([]*DeadLetter, error) {
	if err := base.ValidateTopic(topic); err != nil {
		return nil, err
	}
	return i.deadLetters.List(ctx, topic)
}

// DeleteDeadLetters removes the given dead letters of topic and returns
// how many existed.
func (i *Inspector) DeleteDeadLetters(ctx context.Context, topic string, ids ...string) (int, error) {
	if err := base.ValidateTopic(topic); err != nil {
		return 0, err
	}
	return i.deadLetters.Delete(ctx, topic, ids...)
}

// PurgeDeadLetters removes every dead letter of topic.
func (i *Inspector) PurgeDeadLetters(ctx context.Context, topic string) (int, error) {
	if err := base.ValidateTopic(topic); err != nil {
		return 0, err
	}
	return i.deadLetters.Purge(ctx, topic)
}

// CleanDeadLetters removes dead letters of topic recorded more than maxAge ago.
func (i *Inspector) CleanDeadLetters(ctx context.Context, topic string, maxAge time.Duration) (int, error) {
	if err := base.ValidateTopic(topic); err != nil {
		return 0, err
	}
	return i.deadLetters.CleanOldMessages(ctx, topic, maxAge), nil
}
