// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in titandelay package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hemant/titandelay/internal/errors"
)

// Version of titandelay library.
const Version = "1.0.0"

// KeyPrefix is prepended to every key written by titandelay.
const KeyPrefix = "titandelay:"

// DefaultPartitions is the number of partitions per topic used if none is configured.
const DefaultPartitions = 5

// ValidateTopic validates a given topic name.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateTopic(topic string) error {
	if len(strings.TrimSpace(topic)) == 0 {
		return errors.E(errors.FailedPrecondition, "topic name must contain one or more characters")
	}
	if strings.ContainsAny(topic, "{}") {
		return errors.E(errors.FailedPrecondition, fmt.Sprintf("topic name %q must not contain braces", topic))
	}
	return nil
}

// ChannelName returns the name of the i-th partition of the topic.
func ChannelName(topic string, i int) string {
	return topic + "-" + strconv.Itoa(i)
}

// ChannelKeyPrefix returns a prefix for all keys of the given channel.
// The braces keep all keys of one channel in the same redis cluster slot.
func ChannelKeyPrefix(channel string) string {
	return KeyPrefix + "{" + channel + "}:"
}

// DelayedKey returns a redis key for the envelopes waiting for their due time.
func DelayedKey(channel string) string {
	return ChannelKeyPrefix(channel) + "delayed"
}

// ReadyKey returns a redis key for the envelopes whose due time has passed.
func ReadyKey(channel string) string {
	return ChannelKeyPrefix(channel) + "ready"
}

// LeaseKey returns the key of the lease map of the given channel.
func LeaseKey(channel string) string {
	return KeyPrefix + channel + ":processing"
}

// DeadLetterKey returns the key of the dead-letter map of the given topic.
func DeadLetterKey(topic string) string {
	return KeyPrefix + topic + "-dead-letter"
}

// Envelope is the unit of work scheduled on a channel.
// Serialized data of this type gets written to the delay store.
type Envelope struct {
	// ID distinguishes envelopes that carry identical content.
	ID string `json:"id"`

	// Content is the opaque message body handed to the handler.
	Content string `json:"content"`

	// Delay is the scheduled delay in milliseconds.
	Delay int64 `json:"delay_ms"`

	// ScheduledAt is the time the envelope was offered in Unix milliseconds.
	ScheduledAt int64 `json:"scheduled_at"`
}

// EncodeEnvelope marshals the given envelope and returns an encoded bytes.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("cannot encode nil envelope")
	}
	return json.Marshal(env)
}

// DecodeEnvelope unmarshals the given bytes and returns a decoded envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Lease records that a worker claimed an envelope and has not reached
// a terminal outcome for it yet.
type Lease struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Content   string `json:"content"`
	ClaimedAt int64  `json:"claimed_at"` // Unix milliseconds
}

// EncodeLease marshals the given lease and returns the encoded bytes.
func EncodeLease(l *Lease) ([]byte, error) {
	if l == nil {
		return nil, fmt.Errorf("cannot encode nil lease")
	}
	return json.Marshal(l)
}

// DecodeLease decodes the given bytes into Lease.
func DecodeLease(b []byte) (*Lease, error) {
	var l Lease
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// DeadLetterEntry holds a message that exhausted its retries.
type DeadLetterEntry struct {
	Content    string `json:"content"`
	Error      string `json:"exception"`
	RetryCount int    `json:"retryCount"`
	// RecordedAt is an RFC3339Nano timestamp.
	RecordedAt string `json:"timestamp"`
}

// EncodeDeadLetterEntry marshals the given entry and returns the encoded bytes.
func EncodeDeadLetterEntry(e *DeadLetterEntry) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("cannot encode nil dead letter entry")
	}
	return json.Marshal(e)
}

// DecodeDeadLetterEntry decodes the given bytes into DeadLetterEntry.
func DecodeDeadLetterEntry(b []byte) (*DeadLetterEntry, error) {
	var e DeadLetterEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeadLetterID returns a key for a dead-letter entry recorded at t.
// Keys sort lexically in time order; seq breaks ties within one nanosecond.
func DeadLetterID(t time.Time, seq uint64) string {
	return fmt.Sprintf("%013d-%019d-%06d", t.UnixMilli(), t.UnixNano(), seq%1000000)
}

// DelayStore is the durable delayed-storage primitive.
//
// Offer must make the envelope visible to Take on the same channel once
// delay has elapsed. Take blocks until an envelope is due or ctx is done.
type DelayStore interface {
	Offer(ctx context.Context, channel string, env *Envelope, delay time.Duration) error
	Take(ctx context.Context, channel string) (*Envelope, error)
	Backlog(ctx context.Context, channel string) (scheduled, ready int64, err error)
}

// Store is a durable collection of named key-value maps.
//
// Get returns an error for which errors.IsNotFound is true if the field does not exist.
// Scan stops at the first error returned by fn and returns it.
type Store interface {
	Put(ctx context.Context, key, field string, value []byte) error
	Get(ctx context.Context, key, field string) ([]byte, error)
	Remove(ctx context.Context, key string, fields ...string) (int, error)
	Keys(ctx context.Context, key string) ([]string, error)
	Scan(ctx context.Context, key string, fn func(field string, value []byte) error) error
	Len(ctx context.Context, key string) (int64, error)
}

// Broker combines the delay store with the key-value store used for
// leases and dead letters.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	DelayStore
	Store
	Ping() error
	Close() error
}
