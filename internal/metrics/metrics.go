// Package metrics — метрики Prometheus сервиса переписки.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "foodbridge_chat"

var (
	MessagesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_submitted_total",
		Help:      "Messages durably appended to the store.",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_received_total",
		Help:      "Inbound frames by type.",
	}, []string{"type"})

	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_rejected_total",
		Help:      "Inbound frames answered with an error frame, by error kind.",
	}, []string{"kind"})

	TypingThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "typing_throttled_total",
		Help:      "Typing frames dropped by the minimum interval.",
	})

	SlowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slow_consumers_total",
		Help:      "Connections closed because their outbound queue was full.",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Open WebSocket connections on this instance.",
	})

	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_rejected_total",
		Help:      "Connections closed because the instance limit was reached.",
	})

	ReconcileDivergences = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "active_chats_divergences_total",
		Help:      "Active chats cache entries that differed from the store on reconcile.",
	})

	HTTPRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_rate_limited_total",
		Help:      "HTTP requests answered 429, by limiter key kind.",
	}, []string{"by"})

	FanoutPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_publish_errors_total",
		Help:      "Failed cross-instance fan-out publishes.",
	})
)

// Handler отдаёт метрики из реестра по умолчанию.
func Handler() http.Handler {
	return promhttp.Handler()
}
