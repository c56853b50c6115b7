package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_connections_current",
		Help: "Number of currently open client connections.",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_connections_total",
		Help: "Total client connections accepted since start.",
	})

	ConnectionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_connections_failed_total",
		Help: "Connections that failed before entering the request loop.",
	})

	HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_handshake_failures_total",
		Help: "Handshakes rejected, by reason.",
	}, []string{"reason"})

	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_frames_received_total",
		Help: "Transport frames received from clients.",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_frames_sent_total",
		Help: "Transport frames sent to clients.",
	})

	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_decrypt_failures_total",
		Help: "Inbound frames dropped because AEAD decryption failed.",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fabric_request_duration_seconds",
		Help:    "Storage RPC handling latency, by action.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	RequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_request_errors_total",
		Help: "Storage RPCs answered with an error frame, by action.",
	}, []string{"action"})

	BroadcastEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_broadcast_events_total",
		Help: "Mutation events fanned out to channels.",
	})

	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_broadcast_drops_total",
		Help: "Channel events dropped because a member could not accept them.",
	})

	RateLimitedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_rate_limited_frames_total",
		Help: "Inbound frames rejected by the per-connection rate limiter.",
	})

	RelayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_relay_published_total",
		Help: "Channel events published to the cross-node relay.",
	})

	RelayReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_relay_received_total",
		Help: "Channel events received from the cross-node relay.",
	})
)

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
