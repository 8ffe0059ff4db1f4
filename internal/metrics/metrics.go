package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP 指标
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgateway_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmgateway_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// 网关指标
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmgateway_active_sessions",
			Help: "Sessions currently holding an upgraded connection",
		},
	)

	RejectedConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgateway_rejected_connections_total",
			Help: "Connections refused before or during authentication",
		},
		[]string{"reason"}, // "capacity", "missing_token", "auth_failed"
	)

	SupersededConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmgateway_superseded_connections_total",
			Help: "Connections replaced by a newer connection for the same identity",
		},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgateway_frames_received_total",
			Help: "Inbound frames by decode outcome",
		},
		[]string{"kind"}, // "dm", "unknown", "malformed"
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgateway_frames_sent_total",
			Help: "Outbound frames by type",
		},
		[]string{"type"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmgateway_deliveries_total",
			Help: "Persisted messages by live delivery result",
		},
		[]string{"result"}, // "delivered", "offline", "failed"
	)

	// 上游服务指标
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmgateway_upstream_latency_seconds",
			Help:    "Latency of calls to identity, directory and message services",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"service", "outcome"},
	)
)
