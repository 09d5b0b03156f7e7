// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes the gauges and counters every component registers
// against a shared namespace, mirroring the update-on-N-ops idiom the
// teacher uses for its cache instrumentation.
package metrics

import (
	"fmt"

	"github.com/luxfi/metric"
)

// Registry holds every gauge/counter the gateway exposes. It is constructed
// once by gateway.GatewayContext and handed by reference to each component;
// nothing here is a package-level global.
type Registry struct {
	namespace string

	ReservationsActive    metric.Gauge
	ReservationsRefused   metric.Counter
	RecoveryRecycledTotal metric.Counter

	SessionsStarted   metric.Counter
	SessionsCompleted metric.Counter
	SessionsFailed    metric.Counter
	SessionsPartial   metric.Counter
	PhaseLatencyMS    metric.Gauge

	FacilitatorHealthy  metric.Gauge
	FacilitatorFallback metric.Counter

	ShadowLinksWaiting metric.Gauge
	ShadowLinksSwept   metric.Counter

	AgentDenied metric.Counter
}

// New registers every metric under namespace (e.g. "stealthpay").
func New(namespace string) *Registry {
	g := func(name, help string) metric.Gauge {
		return metric.NewGauge(metric.GaugeOpts{Name: fmt.Sprintf("%s/%s", namespace, name), Help: help})
	}
	c := func(name, help string) metric.Counter {
		return metric.NewCounter(metric.CounterOpts{Name: fmt.Sprintf("%s/%s", namespace, name), Help: help})
	}

	return &Registry{
		namespace:             namespace,
		ReservationsActive:    g("recovery/reservations_active", "outstanding liquidity reservations"),
		ReservationsRefused:   c("recovery/reservations_refused", "reservations refused for insufficient liquidity"),
		RecoveryRecycledTotal: c("recovery/recycled_total", "lamports recycled from closed burner accounts"),
		SessionsStarted:       c("orchestrator/sessions_started", "payment sessions started"),
		SessionsCompleted:     c("orchestrator/sessions_completed", "payment sessions completed"),
		SessionsFailed:        c("orchestrator/sessions_failed", "payment sessions failed"),
		SessionsPartial:       c("orchestrator/sessions_partial", "payment sessions left partial pending rent recovery"),
		PhaseLatencyMS:        g("orchestrator/phase_latency_ms", "most recent phase confirmation latency"),
		FacilitatorHealthy:    g("facilitator/healthy", "1 if the last facilitator probe succeeded"),
		FacilitatorFallback:   c("facilitator/fallback_total", "gasless payments that fell back to direct settlement"),
		ShadowLinksWaiting:    g("shadowlink/waiting", "shadow links currently awaiting payment"),
		ShadowLinksSwept:      c("shadowlink/swept_total", "shadow links swept"),
		AgentDenied:           c("agent/denied_total", "agent-initiated payments denied by policy"),
	}
}
