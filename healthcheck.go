// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"sync"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/log"
	"github.com/hemant/titandelay/internal/metrics"
)

// healthchecker periodically pings the broker, records the result in the
// broker_up gauge and invokes a user provided callback with it.
type healthchecker struct {
	logger  *log.Logger
	broker  base.Broker
	metrics *metrics.Metrics

	// closed to stop the ping goroutine.
	done chan struct{}

	interval time.Duration

	// whether the previous ping failed; only the ping goroutine touches it.
	failing bool

	// user provided callback, called with nil when the broker is healthy.
	healthcheckFunc func(error)
}

type healthcheckerParams struct {
	logger          *log.Logger
	broker          base.Broker
	metrics         *metrics.Metrics
	interval        time.Duration
	healthcheckFunc func(error)
}

func newHealthChecker(params healthcheckerParams) *healthchecker {
	return &healthchecker{
		logger:          params.logger,
		broker:          params.broker,
		metrics:         params.metrics,
		done:            make(chan struct{}),
		interval:        params.interval,
		healthcheckFunc: params.healthcheckFunc,
	}
}

func (hc *healthchecker) shutdown() {
	hc.logger.Debug("Healthchecker shutting down...")
	close(hc.done)
}

// start pings once immediately so the broker_up gauge is populated before
// the first interval elapses.
func (hc *healthchecker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(hc.interval)
		defer ticker.Stop()
		for {
			hc.exec()
			select {
			case <-hc.done:
				hc.logger.Debug("Healthchecker done")
				return
			case <-ticker.C:
			}
		}
	}()
}

func (hc *healthchecker) exec() {
	err := hc.broker.Ping()
	switch {
	case err != nil && !hc.failing:
		hc.logger.Warnf("Broker health check failed: %v", err)
	case err != nil:
		hc.logger.Debugf("Broker still unhealthy: %v", err)
	case hc.failing:
		hc.logger.Info("Broker connection restored")
	}
	hc.failing = err != nil
	if hc.metrics != nil {
		hc.metrics.SetBrokerUp(err == nil)
	}
	if hc.healthcheckFunc != nil {
		hc.healthcheckFunc(err)
	}
}
