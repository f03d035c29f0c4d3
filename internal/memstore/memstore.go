// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package memstore provides an in-process implementation of base.Broker.
//
// Nothing survives a process restart, so the reliable consumer's crash
// recovery only covers consumers restarted within the same process.
// It backs tests and single-process embeddings that do not run redis.
package memstore

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/errors"
)

// Broker keeps delay channels and key-value maps in memory.
// Broker is safe for concurrent use by multiple goroutines.
type Broker struct {
	mu       sync.Mutex
	channels map[string]*channel
	maps     map[string]map[string][]byte
	seq      uint64
	closed   bool
	done     chan struct{}
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{
		channels: make(map[string]*channel),
		maps:     make(map[string]map[string][]byte),
		done:     make(chan struct{}),
	}
}

type entry struct {
	env   base.Envelope
	dueAt time.Time
	seq   uint64
}

// entryHeap orders entries by due time, then by offer order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type channel struct {
	entries entryHeap
	// notify is closed and replaced whenever an entry is offered.
	notify chan struct{}
}

// channel returns the named channel, creating it if needed. b.mu must be held.
func (b *Broker) channel(name string) *channel {
	ch, ok := b.channels[name]
	if !ok {
		ch = &channel{notify: make(chan struct{})}
		b.channels[name] = ch
	}
	return ch
}

// Ping returns an error if the broker has been closed.
func (b *Broker) Ping() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.ErrClosed
	}
	return nil
}

// Close releases blocked Take calls. Subsequent operations fail.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// Offer schedules a copy of env on the channel.
func (b *Broker) Offer(ctx context.Context, name string, env *base.Envelope, delay time.Duration) error {
	var op errors.Op = "memstore.Offer"
	if env == nil {
		return errors.E(op, errors.FailedPrecondition, "nil envelope")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.E(op, errors.ErrClosed)
	}
	b.seq++
	ch := b.channel(name)
	heap.Push(&ch.entries, &entry{env: *env, dueAt: time.Now().Add(delay), seq: b.seq})
	close(ch.notify)
	ch.notify = make(chan struct{})
	return nil
}

// Take blocks until an envelope of the channel is due, ctx is done,
// or the broker is closed.
func (b *Broker) Take(ctx context.Context, name string) (*base.Envelope, error) {
	var op errors.Op = "memstore.Take"
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, errors.E(op, errors.ErrClosed)
		}
		ch := b.channel(name)
		wait := time.Duration(-1)
		if len(ch.entries) > 0 {
			head := ch.entries[0]
			if d := time.Until(head.dueAt); d > 0 {
				wait = d
			} else {
				heap.Pop(&ch.entries)
				b.mu.Unlock()
				env := head.env
				return &env, nil
			}
		}
		notify := ch.notify
		b.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-b.done:
			stopTimer(timer)
		case <-notify:
			stopTimer(timer)
		case <-timeout:
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Backlog reports how many envelopes of the channel are not yet due and how
// many are due but not taken.
func (b *Broker) Backlog(ctx context.Context, name string) (scheduled, ready int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	if !ok {
		return 0, 0, nil
	}
	now := time.Now()
	for _, e := range ch.entries {
		if e.dueAt.After(now) {
			scheduled++
		} else {
			ready++
		}
	}
	return scheduled, ready, nil
}

// Put stores a copy of value.
func (b *Broker) Put(ctx context.Context, key, field string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.E(errors.Op("memstore.Put"), errors.ErrClosed)
	}
	m, ok := b.maps[key]
	if !ok {
		m = make(map[string][]byte)
		b.maps[key] = m
	}
	m[field] = append([]byte(nil), value...)
	return nil
}

func (b *Broker) Get(ctx context.Context, key, field string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.maps[key][field]
	if !ok {
		return nil, errors.E(errors.Op("memstore.Get"), errors.NotFound, errors.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

func (b *Broker) Remove(ctx context.Context, key string, fields ...string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.maps[key]
	n := 0
	for _, f := range fields {
		if _, ok := m[f]; ok {
			delete(m, f)
			n++
		}
	}
	return n, nil
}

// Keys returns the fields of the map in lexical order.
func (b *Broker) Keys(ctx context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.maps[key]))
	for f := range b.maps[key] {
		keys = append(keys, f)
	}
	sort.Strings(keys)
	return keys, nil
}

// Scan calls fn on a snapshot of the map, so fn may mutate the map.
func (b *Broker) Scan(ctx context.Context, key string, fn func(field string, value []byte) error) error {
	b.mu.Lock()
	type kv struct {
		field string
		value []byte
	}
	snapshot := make([]kv, 0, len(b.maps[key]))
	for f, v := range b.maps[key] {
		snapshot = append(snapshot, kv{f, append([]byte(nil), v...)})
	}
	b.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].field < snapshot[j].field })
	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.field, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) Len(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.maps[key])), nil
}
