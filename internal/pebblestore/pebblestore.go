// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package pebblestore implements base.Store on top of a local Pebble database.
//
// Every map field is stored under "<map key>\x00<field>", so the fields of one
// map are contiguous and iterate in lexical order.
package pebblestore

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/hemant/titandelay/internal/errors"
)

const sep = '\x00'

// Options configures the store.
type Options struct {
	// Dir is the path to the Pebble database directory. Required.
	Dir string

	// NoSync disables the WAL fsync on every write.
	// Writes are then grouped and synced every few milliseconds.
	NoSync bool

	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// Store is a durable collection of key-value maps.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

// Open creates or opens the database in opts.Dir.
func Open(opts Options) (*Store, error) {
	var op errors.Op = "pebblestore.Open"
	if opts.Dir == "" {
		return nil, errors.E(op, errors.FailedPrecondition, "Options.Dir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	wo := pebble.Sync
	if opts.NoSync {
		wo = pebble.NoSync
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("cannot open pebble db %q: %v", opts.Dir, err))
	}
	return &Store{db: db, writeOpts: wo}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeKey(key, field string) []byte {
	b := make([]byte, 0, len(key)+1+len(field))
	b = append(b, key...)
	b = append(b, sep)
	return append(b, field...)
}

// bounds returns the iteration range covering every field of key.
func bounds(key string) (lower, upper []byte) {
	lower = append([]byte(key), sep)
	upper = append([]byte(key), sep+1)
	return lower, upper
}

func (s *Store) Put(ctx context.Context, key, field string, value []byte) error {
	if err := s.db.Set(encodeKey(key, field), value, s.writeOpts); err != nil {
		return errors.E(errors.Op("pebblestore.Put"), errors.Unknown, fmt.Sprintf("pebble set failed: %v", err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key, field string) ([]byte, error) {
	var op errors.Op = "pebblestore.Get"
	val, closer, err := s.db.Get(encodeKey(key, field))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errors.E(op, errors.NotFound, errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.E(op, errors.Unknown, fmt.Sprintf("pebble get failed: %v", err))
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Remove deletes the fields in one batch and returns how many existed.
func (s *Store) Remove(ctx context.Context, key string, fields ...string) (int, error) {
	var op errors.Op = "pebblestore.Remove"
	if len(fields) == 0 {
		return 0, nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	n := 0
	for _, f := range fields {
		k := encodeKey(key, f)
		_, closer, err := s.db.Get(k)
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, errors.E(op, errors.Unknown, fmt.Sprintf("pebble get failed: %v", err))
		}
		closer.Close()
		if err := b.Delete(k, nil); err != nil {
			return 0, errors.E(op, errors.Unknown, fmt.Sprintf("pebble delete failed: %v", err))
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return 0, errors.E(op, errors.Unknown, fmt.Sprintf("pebble commit failed: %v", err))
	}
	return n, nil
}

// Keys returns the fields of the map in lexical order.
func (s *Store) Keys(ctx context.Context, key string) ([]string, error) {
	var keys []string
	err := s.Scan(ctx, key, func(field string, _ []byte) error {
		keys = append(keys, field)
		return nil
	})
	return keys, err
}

// Scan iterates over a point-in-time view of the map, so fn may mutate it.
func (s *Store) Scan(ctx context.Context, key string, fn func(field string, value []byte) error) error {
	var op errors.Op = "pebblestore.Scan"
	lower, upper := bounds(key)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("pebble iterator failed: %v", err))
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		field := string(it.Key()[len(lower):])
		if err := fn(field, append([]byte(nil), it.Value()...)); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return errors.E(op, errors.Unknown, fmt.Sprintf("pebble iteration failed: %v", err))
	}
	return nil
}

func (s *Store) Len(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.Scan(ctx, key, func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}
