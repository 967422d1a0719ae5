// pkg/metrics/metrics.go
//
// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vault_pam"

var (
	// WorkflowTransitions counts request state changes by type and new status.
	WorkflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "transitions_total",
		Help:      "Request state transitions by request type and resulting status.",
	}, []string{"type", "status"})

	ProxyResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "responses_total",
		Help:      "Responses relayed from Vault by method and status code.",
	}, []string{"method", "code"})

	ProxyRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "rate_limited_total",
		Help:      "Proxied requests refused by the per-token rate limiter.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "REST API requests by route and status code.",
	}, []string{"route", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "REST API latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	SocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "socket",
		Name:      "connections",
		Help:      "Open WebSocket connections.",
	})

	SocketDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "socket",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped because a connection's send queue was full.",
	})

	MailSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mail",
		Name:      "sent_total",
		Help:      "Notification mails delivered to the SMTP server.",
	})

	MailFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mail",
		Name:      "failed_total",
		Help:      "Notification mails that failed to send.",
	})

	MailDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mail",
		Name:      "dropped_total",
		Help:      "Notification mails dropped because the queue was full or closed.",
	})
)

// ObserveProxy records one relayed response.
func ObserveProxy(method string, code int) {
	ProxyResponses.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
