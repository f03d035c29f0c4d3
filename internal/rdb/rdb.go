// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/errors"
	"github.com/hemant/titandelay/internal/timeutil"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

const (
	// Maximum number of due envelopes moved to the ready list per script call.
	forwardBatchSize = 100

	// Maximum time Take blocks on the ready list before re-checking the delayed set.
	// BLPOP does not support timeouts shorter than one second through go-redis.
	defaultPollInterval = time.Second

	scanCount = 100
)

// RDB is a client interface to query and mutate delay channels,
// lease maps and dead letters stored in redis.
type RDB struct {
	client       redis.UniversalClient
	clock        timeutil.Clock
	pollInterval time.Duration
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{
		client:       client,
		clock:        timeutil.NewRealClock(),
		pollInterval: defaultPollInterval,
	}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

// Offer adds the envelope to the channel. An envelope with a positive delay
// is held in the delayed set until it is due; otherwise it is appended to the
// ready list directly.
func (r *RDB) Offer(ctx context.Context, channel string, env *base.Envelope, delay time.Duration) error {
	var op errors.Op = "rdb.Offer"
	encoded, err := base.EncodeEnvelope(env)
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("cannot encode envelope: %v", err))
	}
	if delay <= 0 {
		if err := r.client.RPush(ctx, base.ReadyKey(channel), encoded).Err(); err != nil {
			return errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: RPUSH failed: %v", err))
		}
		return nil
	}
	dueAt := r.clock.Now().Add(delay).UnixMilli()
	z := redis.Z{Score: float64(dueAt), Member: encoded}
	if err := r.client.ZAdd(ctx, base.DelayedKey(channel), z).Err(); err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: ZADD failed: %v", err))
	}
	return nil
}

// KEYS[1] -> titandelay:{<channel>}:delayed
// KEYS[2] -> titandelay:{<channel>}:ready
// ARGV[1] -> current unix time in milliseconds
// ARGV[2] -> max number of envelopes to forward
//
// Moves every due envelope to the ready list, pops the head of the ready list
// and returns it together with the due time of the earliest remaining envelope
// (-1 if none).
var forwardAndPopCmd = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, msg in ipairs(due) do
	redis.call("RPUSH", KEYS[2], msg)
	redis.call("ZREM", KEYS[1], msg)
end
local head = redis.call("LPOP", KEYS[2])
local nextDue = -1
local first = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if #first > 0 then
	nextDue = first[2]
end
return {head, nextDue}`)

// Take blocks until an envelope of the channel is due and returns it.
// It returns ctx.Err() once ctx is done; a blocked call observes cancellation
// within one poll interval.
func (r *RDB) Take(ctx context.Context, channel string) (*base.Envelope, error) {
	var op errors.Op = "rdb.Take"
	keys := []string{base.DelayedKey(channel), base.ReadyKey(channel)}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := r.clock.Now().UnixMilli()
		res, err := forwardAndPopCmd.Run(ctx, r.client, keys, now, forwardBatchSize).Slice()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("redis eval error: %v", err))
		}
		if len(res) != 2 {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected script reply: %v", res))
		}
		if res[0] != nil {
			return decodeEnvelope(op, res[0])
		}

		wait := r.pollInterval
		if nextDue := cast.ToInt64(cast.ToFloat64(res[1])); nextDue >= 0 {
			if d := time.Duration(nextDue-now) * time.Millisecond; d < wait {
				wait = max(d, time.Millisecond)
			}
		}
		if wait < r.pollInterval {
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		vals, err := r.client.BLPop(ctx, wait, base.ReadyKey(channel)).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("redis command error: BLPOP failed: %v", err))
		}
		return decodeEnvelope(op, vals[1])
	}
}

func decodeEnvelope(op errors.Op, v interface{}) (*base.Envelope, error) {
	s, err := cast.ToStringE(v)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected envelope type %T", v))
	}
	env, err := base.DecodeEnvelope([]byte(s))
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode envelope: %v", err))
	}
	return env, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backlog returns the number of envelopes waiting for their due time and
// the number of due envelopes not yet taken.
func (r *RDB) Backlog(ctx context.Context, channel string) (scheduled, ready int64, err error) {
	var op errors.Op = "rdb.Backlog"
	pipe := r.client.Pipeline()
	zcard := pipe.ZCard(ctx, base.DelayedKey(channel))
	llen := pipe.LLen(ctx, base.ReadyKey(channel))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis pipeline error: %v", err))
	}
	return zcard.Val(), llen.Val(), nil
}

// Put sets field in the hash stored at key.
func (r *RDB) Put(ctx context.Context, key, field string, value []byte) error {
	var op errors.Op = "rdb.Put"
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: HSET failed: %v", err))
	}
	return nil
}

// Get returns the value of field in the hash stored at key.
func (r *RDB) Get(ctx context.Context, key, field string) ([]byte, error) {
	var op errors.Op = "rdb.Get"
	b, err := r.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.E(op, errors.NotFound, errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: HGET failed: %v", err))
	}
	return b, nil
}

// Remove deletes fields from the hash stored at key and returns the number
// of fields that existed.
func (r *RDB) Remove(ctx context.Context, key string, fields ...string) (int, error) {
	var op errors.Op = "rdb.Remove"
	if len(fields) == 0 {
		return 0, nil
	}
	n, err := r.client.HDel(ctx, key, fields...).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: HDEL failed: %v", err))
	}
	return int(n), nil
}

// Keys returns every field of the hash stored at key.
func (r *RDB) Keys(ctx context.Context, key string) ([]string, error) {
	var op errors.Op = "rdb.Keys"
	fields, err := r.client.HKeys(ctx, key).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: HKEYS failed: %v", err))
	}
	return fields, nil
}

// Scan iterates over the hash stored at key with HSCAN and calls fn for each field.
// A field may be visited more than once if the hash is modified during the scan.
func (r *RDB) Scan(ctx context.Context, key string, fn func(field string, value []byte) error) error {
	var op errors.Op = "rdb.Scan"
	var cursor uint64
	for {
		kvs, next, err := r.client.HScan(ctx, key, cursor, "", scanCount).Result()
		if err != nil {
			return errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: HSCAN failed: %v", err))
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			if err := fn(kvs[i], []byte(kvs[i+1])); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Len returns the number of fields in the hash stored at key.
func (r *RDB) Len(ctx context.Context, key string) (int64, error) {
	var op errors.Op = "rdb.Len"
	n, err := r.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("redis command error: HLEN failed: %v", err))
	}
	return n, nil
}
