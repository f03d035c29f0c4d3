// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package metrics defines the Prometheus collectors exported by titandelay.
//
// All series are labeled by topic only; partitions of one topic are
// aggregated to keep cardinality bounded.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "titandelay"

// Outcome labels of MessagesProcessed.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeAbandoned    = "abandoned"
)

// Metrics holds every collector. The zero value is not usable; call New.
type Metrics struct {
	MessagesSent      *prometheus.CounterVec
	SendErrors        *prometheus.CounterVec
	MessagesProcessed *prometheus.CounterVec
	Retries           *prometheus.CounterVec
	DeadLettered      *prometheus.CounterVec
	DeadLetterEvicted *prometheus.CounterVec
	LeasesRecovered   *prometheus.CounterVec
	InFlight          *prometheus.GaugeVec
	TakeErrors        *prometheus.CounterVec
	HandlerLatency    *prometheus.HistogramVec
	BrokerUp          prometheus.Gauge
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "messages_sent_total",
			Help:      "Messages scheduled on a delay channel.",
		}, []string{"topic"}),
		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "send_errors_total",
			Help:      "Messages the delay store refused to schedule.",
		}, []string{"topic"}),
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_processed_total",
			Help:      "Messages that reached a terminal outcome.",
		}, []string{"topic", "outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "retries_total",
			Help:      "Handler invocations after a failed attempt.",
		}, []string{"topic"}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deadletter",
			Name:      "entries_added_total",
			Help:      "Entries written to the dead-letter store.",
		}, []string{"topic"}),
		DeadLetterEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deadletter",
			Name:      "entries_removed_total",
			Help:      "Entries removed by eviction or retention cleanup.",
		}, []string{"topic"}),
		LeasesRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "leases_recovered_total",
			Help:      "Leases found on start and resubmitted.",
		}, []string{"topic"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "in_flight",
			Help:      "Messages submitted to workers that have not reached an outcome.",
		}, []string{"topic"}),
		TakeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "take_errors_total",
			Help:      "Failed blocking takes from a delay channel.",
		}, []string{"topic"}),
		HandlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "handler_duration_seconds",
			Help:      "Duration of a single handler invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"topic"}),
		BrokerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_up",
			Help:      "1 if the last health check reached the broker.",
		}),
	}
}

// Collectors returns every collector in registration order.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesSent,
		m.SendErrors,
		m.MessagesProcessed,
		m.Retries,
		m.DeadLettered,
		m.DeadLetterEvicted,
		m.LeasesRecovered,
		m.InFlight,
		m.TakeErrors,
		m.HandlerLatency,
		m.BrokerUp,
	}
}

// Register registers every collector with r. Nil r is a no-op.
func (m *Metrics) Register(r prometheus.Registerer) error {
	if r == nil {
		return nil
	}
	for _, c := range m.Collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes every collector from r.
func (m *Metrics) Unregister(r prometheus.Registerer) {
	if r == nil {
		return
	}
	for _, c := range m.Collectors() {
		r.Unregister(c)
	}
}

func (m *Metrics) ObserveSend(topic string, err error) {
	if err != nil {
		m.SendErrors.WithLabelValues(topic).Inc()
		return
	}
	m.MessagesSent.WithLabelValues(topic).Inc()
}

func (m *Metrics) ObserveHandler(topic string, elapsed time.Duration) {
	m.HandlerLatency.WithLabelValues(topic).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveOutcome(topic, outcome string) {
	m.MessagesProcessed.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) SetBrokerUp(up bool) {
	if up {
		m.BrokerUp.Set(1)
	} else {
		m.BrokerUp.Set(0)
	}
}
