// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package stage

import (
	"context"
	"errors"

	"github.com/creachadair/agentrpc"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsStage is a stage that exports Prometheus metrics for the messages
// passing through it.
type MetricsStage struct {
	messages *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	active   prometheus.Gauge
}

// Metrics returns a new metrics stage whose collectors are registered with
// reg. If reg == nil, prometheus.DefaultRegisterer is used. If collectors
// with the same names are already registered with reg, those are shared.
func Metrics(reg prometheus.Registerer) *MetricsStage {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &MetricsStage{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrpc_messages_total",
			Help: "Total number of messages by direction and kind",
		}, []string{"direction", "kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrpc_inbound_bytes_total",
			Help: "Total size of inbound payloads by kind",
		}, []string{"kind"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrpc_inbound_requests_active",
			Help: "Number of inbound requests past this stage and not yet handled",
		}),
	}
	s.messages = register(reg, s.messages)
	s.bytes = register(reg, s.bytes)
	s.active = register(reg, s.active)
	return s
}

// register registers c with reg, or returns the equivalent collector already
// registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if old, ok := are.ExistingCollector.(C); ok {
				return old
			}
		}
		panic(err)
	}
	return c
}

// Inbound implements a method of the agentrpc.Stage interface.
func (s *MetricsStage) Inbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	k := kind(m)
	s.messages.WithLabelValues(m.Dir.String(), k).Inc()
	s.bytes.WithLabelValues(k).Add(float64(len(m.Raw)))
	if isRequest(m) {
		s.active.Inc()
	}
	return m
}

// Outbound implements a method of the agentrpc.Stage interface.
func (s *MetricsStage) Outbound(_ context.Context, m *agentrpc.Meta) *agentrpc.Meta {
	s.messages.WithLabelValues(m.Dir.String(), kind(m)).Inc()
	return m
}

// Complete implements the agentrpc.Completer interface.
func (s *MetricsStage) Complete(_ context.Context, m *agentrpc.Meta) {
	if isRequest(m) {
		s.active.Dec()
	}
}
