// Package metrics centralizes Prometheus metric definitions for the pump,
// outbox, and sweeper subsystems, following the teacher's single
// metrics-package convention rather than scattering promauto calls per
// package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pump metrics

	// PumpMessagesAcked tracks messages successfully processed and acknowledged.
	PumpMessagesAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brighter",
			Subsystem: "pump",
			Name:      "messages_acked_total",
			Help:      "Total messages successfully processed and acknowledged",
		},
		[]string{"channel"},
	)

	// PumpMessagesRequeued tracks messages requeued after a deferral.
	PumpMessagesRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brighter",
			Subsystem: "pump",
			Name:      "messages_requeued_total",
			Help:      "Total messages requeued after a handler deferral",
		},
		[]string{"channel"},
	)

	// PumpMessagesRejected tracks messages rejected for any reason.
	PumpMessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brighter",
			Subsystem: "pump",
			Name:      "messages_rejected_total",
			Help:      "Total messages rejected (unacceptable, mapping failure, handler error, requeue count exceeded)",
		},
		[]string{"channel"},
	)

	// PumpProcessingDuration tracks per-message processing latency.
	PumpProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "brighter",
			Subsystem: "pump",
			Name:      "processing_duration_seconds",
			Help:      "Time to process one message end to end",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// Outbox metrics

	// OutboxRowsAdded tracks rows successfully inserted via Add.
	OutboxRowsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brighter",
			Subsystem: "outbox",
			Name:      "rows_added_total",
			Help:      "Total outbox rows inserted",
		},
		[]string{"dialect"},
	)

	// OutboxDuplicatesIgnored tracks duplicate-key inserts swallowed as idempotent.
	OutboxDuplicatesIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brighter",
			Subsystem: "outbox",
			Name:      "duplicates_ignored_total",
			Help:      "Total Add calls that hit an existing MessageId and were ignored",
		},
		[]string{"dialect"},
	)

	// OutboxRowsDispatched tracks rows marked dispatched.
	OutboxRowsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brighter",
			Subsystem: "outbox",
			Name:      "rows_dispatched_total",
			Help:      "Total outbox rows marked dispatched",
		},
		[]string{"dialect"},
	)

	// OutboxOutstanding tracks the last-observed outstanding row count.
	OutboxOutstanding = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "brighter",
			Subsystem: "outbox",
			Name:      "outstanding_messages",
			Help:      "Number of outstanding (undispatched) outbox rows as of the last GetNumberOfOutstandingMessages call",
		},
	)

	// Sweeper metrics

	// SweeperMessagesDispatched tracks messages the sweeper successfully
	// handed to the broker and marked dispatched.
	SweeperMessagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brighter",
			Subsystem: "sweeper",
			Name:      "messages_dispatched_total",
			Help:      "Total messages dispatched to the broker by the sweeper",
		},
		[]string{"topic", "mode"}, // mode: explicit, sweep
	)

	// SweeperBrokerFailures tracks exhausted-retry broker publish failures.
	SweeperBrokerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brighter",
			Subsystem: "sweeper",
			Name:      "broker_failures_total",
			Help:      "Total broker publish failures after retries were exhausted",
		},
		[]string{"topic"},
	)

	// SweeperSweepDuration tracks one sweep pass's wall time.
	SweeperSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "brighter",
			Subsystem: "sweeper",
			Name:      "sweep_duration_seconds",
			Help:      "Time to complete one sweep pass",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SweeperIsLeader reports 1 if this instance currently holds the
	// sweeper's distributed leader lock, 0 otherwise.
	SweeperIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "brighter",
			Subsystem: "sweeper",
			Name:      "is_leader",
			Help:      "1 if this instance holds the sweeper leader lock",
		},
	)

	// Lifecycle metrics

	// LifecyclePhaseDuration tracks wall time spent draining each shutdown
	// phase (all hooks registered against it run concurrently).
	LifecyclePhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "brighter",
			Subsystem: "lifecycle",
			Name:      "shutdown_phase_duration_seconds",
			Help:      "Time to drain all hooks within one shutdown phase",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// LifecycleHookFailures tracks shutdown hooks that returned an error or
	// timed out, by phase and hook name.
	LifecycleHookFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "brighter",
			Subsystem: "lifecycle",
			Name:      "shutdown_hook_failures_total",
			Help:      "Total shutdown hooks that errored or timed out",
		},
		[]string{"phase", "hook"},
	)
)
