// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/memstore"
)

// Envelope is a scheduled message as stored on a delay channel.
type Envelope = base.Envelope

// DelayStore is the delayed-storage primitive backing delay channels.
//
// Offer must make an envelope visible to Take on the same channel once its
// delay has elapsed. Take blocks until an envelope is due or ctx is done.
type DelayStore = base.DelayStore

// KVStore is a durable collection of named key-value maps used for leases
// and dead letters.
type KVStore = base.Store

// Broker combines DelayStore and KVStore with a health check.
// NewRegistryFromBroker accepts any implementation.
type Broker = base.Broker

// NewMemoryBroker returns a Broker that keeps everything in process memory.
// Leases and dead letters do not survive a restart.
func NewMemoryBroker() Broker {
	return memstore.New()
}

// compositeBroker serves delay channels from one backend and leases and
// dead letters from another.
type compositeBroker struct {
	delay base.Broker
	state interface {
		base.Store
		Close() error
	}
}

func (b *compositeBroker) Offer(ctx context.Context, channel string, env *base.Envelope, delay time.Duration) error {
	return b.delay.Offer(ctx, channel, env, delay)
}

func (b *compositeBroker) Take(ctx context.Context, channel string) (*base.Envelope, error) {
	return b.delay.Take(ctx, channel)
}

func (b *compositeBroker) Backlog(ctx context.Context, channel string) (int64, int64, error) {
	return b.delay.Backlog(ctx, channel)
}

func (b *compositeBroker) Put(ctx context.Context, key, field string, value []byte) error {
	return b.state.Put(ctx, key, field, value)
}

func (b *compositeBroker) Get(ctx context.Context, key, field string) ([]byte, error) {
	return b.state.Get(ctx, key, field)
}

func (b *compositeBroker) Remove(ctx context.Context, key string, fields ...string) (int, error) {
	return b.state.Remove(ctx, key, fields...)
}

func (b *compositeBroker) Keys(ctx context.Context, key string) ([]string, error) {
	return b.state.Keys(ctx, key)
}

func (b *compositeBroker) Scan(ctx context.Context, key string, fn func(field string, value []byte) error) error {
	return b.state.Scan(ctx, key, fn)
}

func (b *compositeBroker) Len(ctx context.Context, key string) (int64, error) {
	return b.state.Len(ctx, key)
}

func (b *compositeBroker) Ping() error {
	return b.delay.Ping()
}

// Close closes the state store only. The delay backend is closed by its owner.
func (b *compositeBroker) Close() error {
	return b.state.Close()
}
