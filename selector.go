// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import "sync/atomic"

// PartitionSelector hands out partition indices of one topic in round-robin
// order: 0, 1, ..., n-1, 0, ...
//
// PartitionSelector is safe for concurrent use; over any window of k*n calls
// every index is returned exactly k times.
type PartitionSelector struct {
	n    int64
	next atomic.Int64
}

// NewPartitionSelector returns a selector over n partitions.
// A value of n less than one is treated as one.
func NewPartitionSelector(n int) *PartitionSelector {
	if n < 1 {
		n = 1
	}
	return &PartitionSelector{n: int64(n)}
}

// Next returns the current index and advances the cursor.
func (s *PartitionSelector) Next() int {
	for {
		cur := s.next.Load()
		nxt := cur + 1
		if nxt >= s.n {
			nxt = 0
		}
		if s.next.CompareAndSwap(cur, nxt) {
			return int(cur)
		}
	}
}

// Partitions returns the number of partitions.
func (s *PartitionSelector) Partitions() int {
	return int(s.n)
}
