package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Core delivery/signaling counters exposed on /metrics.
var (
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxsynq_message_sends_total",
		Help: "Message send attempts by terminal outcome (sent, failed).",
	}, []string{"outcome"})

	ReceiptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxsynq_receipts_total",
		Help: "Delivery/read receipts by kind and result (applied, stale).",
	}, []string{"kind", "result"})

	FlushRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxsynq_store_flush_retries_total",
		Help: "Background flush retries scheduled after a store write failure.",
	})

	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxsynq_signal_envelopes_total",
		Help: "Signaling envelopes by type and result (routed, dropped, unknown_call).",
	}, []string{"type", "result"})

	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxsynq_active_calls",
		Help: "Non-terminal call sessions currently tracked.",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxsynq_calls_total",
		Help: "Terminated calls by end reason.",
	}, []string{"reason"})

	QueueDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxsynq_event_queue_drops_total",
		Help: "Events rejected because the single-writer queue was full.",
	})
)
