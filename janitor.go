// Copyright 2022 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"sync"
	"time"

	"github.com/hemant/titandelay/internal/log"
)

// janitor periodically sweeps every topic known to a DeadLetterStore and
// removes entries recorded more than retention ago.
type janitor struct {
	logger *log.Logger
	store  *DeadLetterStore

	// closed to stop the sweep goroutine.
	done chan struct{}

	interval  time.Duration
	retention time.Duration
}

type janitorParams struct {
	logger      *log.Logger
	deadLetters *DeadLetterStore
	interval    time.Duration
	retention   time.Duration
}

func newJanitor(params janitorParams) *janitor {
	return &janitor{
		logger:    params.logger,
		store:     params.deadLetters,
		done:      make(chan struct{}),
		interval:  params.interval,
		retention: params.retention,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("Dead letter janitor shutting down...")
	close(j.done)
}

func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.done:
				j.logger.Debug("Dead letter janitor done")
				return
			case <-ticker.C:
				j.sweep()
			}
		}
	}()
}

// sweep runs one retention pass. The context is cancelled when the
// janitor is shut down mid-pass.
func (j *janitor) sweep() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-j.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, topic := range j.store.knownTopics() {
		if ctx.Err() != nil {
			return
		}
		j.store.CleanOldMessages(ctx, topic, j.retention)
	}
}
