package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coderoom"

var (
	roomEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "room_events_total",
		Help:      "Room events handled by the coordinator",
	}, []string{"event", "outcome"})

	broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "Events published to room channels",
	}, []string{"event", "outcome"})

	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_evictions_total",
		Help:      "Collaborators evicted after exceeding the presence TTL",
	})

	roomsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rooms_closed_total",
		Help:      "Rooms torn down",
	}, []string{"reason"})

	gatewaySubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gateway_subscribers",
		Help:      "WebSocket subscribers connected to the fan-out gateway",
	})

	gatewayRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_messages_relayed_total",
		Help:      "Channel messages relayed to WebSocket subscribers",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests handled by the control endpoint",
	}, []string{"method", "path", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Control endpoint request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RoomEvent counts a handled room event. outcome is one of ok, degraded,
// invalid, error.
func RoomEvent(event, outcome string) {
	roomEvents.WithLabelValues(event, outcome).Inc()
}

// Broadcast counts a publish attempt
func Broadcast(event string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	broadcasts.WithLabelValues(event, outcome).Inc()
}

// Evicted counts collaborators removed by the presence sweep
func Evicted(n int) {
	if n > 0 {
		evictions.Add(float64(n))
	}
}

// RoomClosed counts a room teardown. reason is leave, expired or orphaned.
func RoomClosed(reason string) {
	roomsClosed.WithLabelValues(reason).Inc()
}

// SubscriberConnected tracks a gateway subscriber joining
func SubscriberConnected() { gatewaySubscribers.Inc() }

// SubscriberDisconnected tracks a gateway subscriber leaving
func SubscriberDisconnected() { gatewaySubscribers.Dec() }

// Relayed counts a message fanned out by the gateway
func Relayed() { gatewayRelayed.Inc() }

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware records request count and latency per route
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLatency.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
