// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package chunkclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunkclientLatenciesSet = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Subsystem: "chunk_client",
		Name:      "latencies",
	}, []string{"op"})
	chunkclientQPSSet = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "chunk_client",
		Name:      "rpc_qps",
	}, []string{"op"})
	chunkclientFailSet = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "chunk_client",
		Name:      "rpc_failed",
	}, []string{"op"})
	chunkclientTimeoutSet = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "chunk_client",
		Name:      "rpc_timeout",
	}, []string{"op"})
	chunkclientRedirectSet = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "chunk_client",
		Name:      "rpc_redirected",
	}, []string{"op"})
	chunkclientSlowSet = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "chunk_client",
		Name:      "slow_requests",
	}, []string{"op"})
)

// PromMetrics is the production Metrics implementation, built the way the
// teacher wires client-side latency/count metrics: package-level
// promauto-registered vectors, sliced per label at use.
type PromMetrics struct{}

// LatencyRecord implements Metrics.
func (PromMetrics) LatencyRecord(op OpType, d time.Duration) {
	chunkclientLatenciesSet.WithLabelValues(op.String()).Observe(d.Seconds())
}

// IncremRPCQPSCount implements Metrics.
func (PromMetrics) IncremRPCQPSCount(op OpType) {
	chunkclientQPSSet.WithLabelValues(op.String()).Inc()
}

// IncremFailRPCCount implements Metrics.
func (PromMetrics) IncremFailRPCCount(op OpType) {
	chunkclientFailSet.WithLabelValues(op.String()).Inc()
}

// IncremTimeOutRPCCount implements Metrics.
func (PromMetrics) IncremTimeOutRPCCount(op OpType) {
	chunkclientTimeoutSet.WithLabelValues(op.String()).Inc()
}

// IncremRedirectRPCCount implements Metrics.
func (PromMetrics) IncremRedirectRPCCount(op OpType) {
	chunkclientRedirectSet.WithLabelValues(op.String()).Inc()
}

// IncremSlowRequestNum implements Metrics.
func (PromMetrics) IncremSlowRequestNum(op OpType) {
	chunkclientSlowSet.WithLabelValues(op.String()).Inc()
}

// NoopMetrics discards everything; useful for tests that don't care about
// metric side effects but still need a Metrics to satisfy the interface.
type NoopMetrics struct{}

func (NoopMetrics) LatencyRecord(OpType, time.Duration) {}
func (NoopMetrics) IncremRPCQPSCount(OpType)             {}
func (NoopMetrics) IncremFailRPCCount(OpType)            {}
func (NoopMetrics) IncremTimeOutRPCCount(OpType)         {}
func (NoopMetrics) IncremRedirectRPCCount(OpType)        {}
func (NoopMetrics) IncremSlowRequestNum(OpType)          {}
