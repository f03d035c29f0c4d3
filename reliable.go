// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"

	"github.com/google/uuid"
	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/metrics"
	"github.com/hemant/titandelay/internal/timeutil"
)

// ReliableConsumer records a lease in "<channel>:processing" for every
// taken message before handing it to a worker, and removes it once the
// message succeeded or was dead-lettered.
//
// On start, leases found in the map belong to messages whose processing
// never finished, typically because the process died. They are processed
// again before any new message is taken.
type ReliableConsumer struct {
	*consumer
	clock timeutil.Clock
}

// NewReliableConsumer returns a reliable consumer for one partition of
// h.Topic() that reads from, leases in and dead-letters into broker.
func NewReliableConsumer(broker Broker, partition int, h Handler, cfg Config) *ReliableConsumer {
	opts := newOptions(cfg)
	m := metrics.New()
	return newReliableConsumer(consumerParams{
		broker:      broker,
		topic:       h.Topic(),
		partition:   partition,
		handler:     h,
		deadLetters: newDeadLetterStoreFromOptions(broker, m, opts),
		metrics:     m,
		opts:        opts,
	})
}

func newReliableConsumer(params consumerParams) *ReliableConsumer {
	rc := &ReliableConsumer{
		consumer: newConsumer(params),
		clock:    timeutil.NewRealClock(),
	}
	rc.claim = rc.claimLease
	rc.recoverFn = rc.recoverLeases
	return rc
}

func (rc *ReliableConsumer) leaseKey() string {
	return base.LeaseKey(rc.channel.Name())
}

// claimLease writes a lease for env and returns its id. If the write fails
// the message is still processed, without crash protection.
func (rc *ReliableConsumer) claimLease(ctx context.Context, env *base.Envelope) string {
	lease := &base.Lease{
		ID:        uuid.NewString(),
		Channel:   rc.channel.Name(),
		Content:   env.Content,
		ClaimedAt: rc.clock.Now().UnixMilli(),
	}
	encoded, err := base.EncodeLease(lease)
	if err != nil {
		rc.logger.Errorf("Failed to encode lease for %s: %v", rc.channel.Name(), err)
		return ""
	}
	if err := rc.broker.Put(context.WithoutCancel(ctx), rc.leaseKey(), lease.ID, encoded); err != nil {
		rc.logger.Errorf("Failed to record lease for %s, processing without it: %v", rc.channel.Name(), err)
		return ""
	}
	return lease.ID
}

// recoverLeases resubmits every lease of the channel under its existing id.
// Undecodable leases are logged and left in place. A lease the scan reports
// more than once is dispatched once.
func (rc *ReliableConsumer) recoverLeases(ctx context.Context) {
	var leases []*base.Lease
	seen := make(map[string]struct{})
	undecodable := 0
	err := rc.broker.Scan(ctx, rc.leaseKey(), func(id string, value []byte) error {
		if _, ok := seen[id]; ok {
			return nil
		}
		seen[id] = struct{}{}
		l, err := base.DecodeLease(value)
		if err != nil {
			undecodable++
			rc.logger.Errorf("Cannot decode lease %s of %s: %v", id, rc.channel.Name(), err)
			return nil
		}
		l.ID = id
		leases = append(leases, l)
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			rc.logger.Errorf("Failed to scan leases of %s: %v", rc.channel.Name(), err)
		}
		return
	}
	if len(leases) == 0 && undecodable == 0 {
		return
	}
	rc.logger.Infof("Recovering %d leases of %s (%d undecodable)", len(leases), rc.channel.Name(), undecodable)

	recovered := rc.metrics.LeasesRecovered.WithLabelValues(rc.Topic())
	for _, l := range leases {
		if err := rc.dispatch(ctx, l.Content, l.ID); err != nil {
			// The lease stays in place for the next start.
			return
		}
		recovered.Inc()
	}
}
