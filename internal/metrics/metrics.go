// Package metrics exposes Prometheus instrumentation for the ledger and the
// HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DeductionsTotal counts deduct_credits outcomes by result
// (ok, idempotent, insufficient, error).
var DeductionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Name:      "deductions_total",
	Help:      "Credit deduction attempts by outcome.",
}, []string{"outcome"})

// GrantsTotal counts grant_credits outcomes by entry type.
var GrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Name:      "grants_total",
	Help:      "Credit grants by entry type.",
}, []string{"type"})

// QuotaChecksTotal counts anonymous quota checks by outcome (allowed, denied,
// error).
var QuotaChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Name:      "anonymous_quota_checks_total",
	Help:      "Anonymous quota checks by outcome.",
}, []string{"outcome"})

// LedgerOpDuration observes ledger operation latency per operation.
var LedgerOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "creditgate",
	Name:      "ledger_op_duration_seconds",
	Help:      "Latency of ledger storage operations.",
	Buckets:   prometheus.DefBuckets,
}, []string{"op"})

// HTTPRequestsTotal counts HTTP requests by route and status class.
var HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Name:      "http_requests_total",
	Help:      "HTTP requests by route and status.",
}, []string{"route", "status"})
