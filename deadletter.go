// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/log"
	"github.com/hemant/titandelay/internal/metrics"
	"github.com/hemant/titandelay/internal/timeutil"
)

// DeadLetter is a message that exhausted its retries.
type DeadLetter struct {
	// ID orders dead letters of one topic by the time they were recorded.
	ID string `json:"id" yaml:"id"`

	Content string `json:"content" yaml:"content"`

	// Error is the text of the error returned by the last attempt.
	Error string `json:"error" yaml:"error"`

	// RetryCount is the number of attempts made.
	RetryCount int `json:"retry_count" yaml:"retry_count"`

	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at"`
}

// DeadLetterStore keeps a bounded, time-ordered record of failed messages
// per topic, stored in the map "<topic>-dead-letter".
//
// Writes made on behalf of consumers never fail the caller; errors are
// logged. Administrative methods return errors.
type DeadLetterStore struct {
	logger  *log.Logger
	store   base.Store
	clock   timeutil.Clock
	metrics *metrics.Metrics

	maxSize     int
	evictBatch  int
	interval    time.Duration
	retention   time.Duration
	maskContent bool

	seq atomic.Uint64

	mu     sync.Mutex
	topics map[string]*deadLetterTopic

	// janitor runs while at least one consumer holds a reference.
	refs    int
	janitor *janitor
	wg      sync.WaitGroup
}

// deadLetterTopic serializes this process's writes to one topic.
type deadLetterTopic struct {
	mu sync.Mutex
}

type deadLetterStoreParams struct {
	logger      *log.Logger
	store       base.Store
	metrics     *metrics.Metrics
	maxSize     int
	evictBatch  int
	interval    time.Duration
	retention   time.Duration
	maskContent bool
}

func newDeadLetterStore(params deadLetterStoreParams) *DeadLetterStore {
	m := params.metrics
	if m == nil {
		m = metrics.New()
	}
	return &DeadLetterStore{
		logger:      params.logger,
		store:       params.store,
		clock:       timeutil.NewRealClock(),
		metrics:     m,
		maxSize:     params.maxSize,
		evictBatch:  params.evictBatch,
		interval:    params.interval,
		retention:   params.retention,
		maskContent: params.maskContent,
		topics:      make(map[string]*deadLetterTopic),
	}
}

func (d *DeadLetterStore) topic(name string) *deadLetterTopic {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.topics[name]
	if !ok {
		t = &deadLetterTopic{}
		d.topics[name] = t
	}
	return t
}

// knownTopics returns every topic written to or watched by this process.
func (d *DeadLetterStore) knownTopics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.topics))
	for name := range d.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MoveToDeadLetterQueue records content with the error of its last attempt.
// If the topic holds DeadLetterMaxSize entries, the oldest entries are
// evicted first. The size is read from the store before every insert, so
// the bound holds when several processes write the same topic.
func (d *DeadLetterStore) MoveToDeadLetterQueue(ctx context.Context, topic, content string, cause error, retryCount int) {
	ctx = context.WithoutCancel(ctx)
	t := d.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	key := base.DeadLetterKey(topic)
	n, err := d.store.Len(ctx, key)
	if err != nil {
		d.logger.Errorf("Failed to read dead-letter count of %q: %v", topic, err)
	}
	if err != nil || n >= int64(d.maxSize) {
		d.evict(ctx, topic)
	}

	if d.maskContent {
		content = fmt.Sprintf("[CONTENT_LENGTH:%d]", len(content))
	}
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	now := d.clock.Now()
	encoded, err := base.EncodeDeadLetterEntry(&base.DeadLetterEntry{
		Content:    content,
		Error:      reason,
		RetryCount: retryCount,
		RecordedAt: now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		d.logger.Errorf("Failed to encode dead letter of %q: %v", topic, err)
		return
	}
	id := base.DeadLetterID(now, d.seq.Add(1))
	if err := d.store.Put(ctx, key, id, encoded); err != nil {
		d.logger.Errorf("Failed to write dead letter of %q: %v", topic, err)
		return
	}
	d.metrics.DeadLettered.WithLabelValues(topic).Inc()
	d.logger.Warnf("Message of %q moved to dead-letter store after %d attempts: %s", topic, retryCount, reason)
}

// evict removes the oldest entries so that one more fits. The topic's
// lock must be held.
func (d *DeadLetterStore) evict(ctx context.Context, topic string) {
	key := base.DeadLetterKey(topic)
	ids, err := d.store.Keys(ctx, key)
	if err != nil {
		d.logger.Errorf("Failed to list dead letters of %q for eviction: %v", topic, err)
		return
	}
	if len(ids) < d.maxSize {
		return
	}
	sort.Strings(ids)
	n := min(len(ids), max(d.evictBatch, len(ids)-d.maxSize+1))
	removed, err := d.store.Remove(ctx, key, ids[:n]...)
	if err != nil {
		d.logger.Errorf("Failed to evict dead letters of %q: %v", topic, err)
		return
	}
	d.metrics.DeadLetterEvicted.WithLabelValues(topic).Add(float64(removed))
	d.logger.Infof("Evicted %d oldest dead letters of %q", removed, topic)
}

// CleanOldMessages removes entries of topic recorded more than maxAge ago
// and returns how many were removed. Entries with an unreadable timestamp
// are logged and kept.
func (d *DeadLetterStore) CleanOldMessages(ctx context.Context, topic string, maxAge time.Duration) int {
	key := base.DeadLetterKey(topic)
	cutoff := d.clock.Now().Add(-maxAge)
	var expired []string
	err := d.store.Scan(ctx, key, func(id string, value []byte) error {
		e, err := base.DecodeDeadLetterEntry(value)
		if err != nil {
			d.logger.Warnf("Skipping undecodable dead letter %s of %q: %v", id, topic, err)
			return nil
		}
		at, err := time.Parse(time.RFC3339Nano, e.RecordedAt)
		if err != nil {
			d.logger.Warnf("Skipping dead letter %s of %q with bad timestamp %q: %v", id, topic, e.RecordedAt, err)
			return nil
		}
		if at.Before(cutoff) {
			expired = append(expired, id)
		}
		return nil
	})
	if err != nil {
		d.logger.Errorf("Failed to scan dead letters of %q: %v", topic, err)
	}
	if len(expired) == 0 {
		return 0
	}

	t := d.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed, err := d.store.Remove(ctx, key, expired...)
	if err != nil {
		d.logger.Errorf("Failed to remove expired dead letters of %q: %v", topic, err)
		return 0
	}
	d.metrics.DeadLetterEvicted.WithLabelValues(topic).Add(float64(removed))
	d.logger.Infof("Removed %d dead letters of %q older than %v", removed, topic, maxAge)
	return removed
}

// List returns the dead letters of topic, oldest first.
func (d *DeadLetterStore) List(ctx context.Context, topic string) ([]*DeadLetter, error) {
	var out []*DeadLetter
	err := d.store.Scan(ctx, base.DeadLetterKey(topic), func(id string, value []byte) error {
		e, err := base.DecodeDeadLetterEntry(value)
		if err != nil {
			return fmt.Errorf("titandelay: cannot decode dead letter %s: %v", id, err)
		}
		dl := &DeadLetter{ID: id, Content: e.Content, Error: e.Error, RetryCount: e.RetryCount}
		if at, err := time.Parse(time.RFC3339Nano, e.RecordedAt); err == nil {
			dl.RecordedAt = at
		}
		out = append(out, dl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of dead letters of topic.
func (d *DeadLetterStore) Len(ctx context.Context, topic string) (int64, error) {
	return d.store.Len(ctx, base.DeadLetterKey(topic))
}

// Delete removes the given dead letters and returns how many existed.
func (d *DeadLetterStore) Delete(ctx context.Context, topic string, ids ...string) (int, error) {
	t := d.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := d.store.Remove(ctx, base.DeadLetterKey(topic), ids...)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Purge removes every dead letter of topic and returns how many were removed.
func (d *DeadLetterStore) Purge(ctx context.Context, topic string) (int, error) {
	t := d.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	key := base.DeadLetterKey(topic)
	ids, err := d.store.Keys(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := d.store.Remove(ctx, key, ids...)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// acquire registers topic for retention sweeps and starts the janitor
// on the first reference.
func (d *DeadLetterStore) acquire(topic string) {
	d.topic(topic)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs++
	if d.refs == 1 {
		d.janitor = newJanitor(janitorParams{
			logger:      d.logger,
			deadLetters: d,
			interval:    d.interval,
			retention:   d.retention,
		})
		d.janitor.start(&d.wg)
	}
}

// release stops the janitor when the last reference is dropped.
func (d *DeadLetterStore) release() {
	d.mu.Lock()
	d.refs--
	var j *janitor
	if d.refs == 0 {
		j, d.janitor = d.janitor, nil
	}
	d.mu.Unlock()
	if j != nil {
		j.shutdown()
		d.wg.Wait()
	}
}
