package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "coherency_messages_sent_total",
			Help:      "Coherency messages sent, by type.",
		},
		[]string{"type"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "coherency_messages_received_total",
			Help:      "Coherency messages received, by type.",
		},
		[]string{"type"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "coherency_messages_dropped_total",
			Help:      "Inbound messages dropped, by reason.",
		},
		[]string{"reason"},
	)

	ReadStalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "coherency_read_stalls_total",
			Help:      "Reads that blocked waiting for data from the owner.",
		},
	)

	ReadStallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "canopy",
			Name:      "coherency_read_stall_seconds",
			Help:      "Duration of blocking reads. Covers 1ms .. ~4s.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "canopy",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(MessagesSent, MessagesReceived, MessagesDropped, ReadStalls, ReadStallDuration, uptime)
}

// Handler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.Handler()).
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
