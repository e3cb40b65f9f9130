// Registers:
//
//	#polyflow_events_total{type}
//	#polyflow_reconnects_total
//	#polyflow_connection_errors_total
//	#polyflow_rate_limit_errors_total{category}
//	#polyflow_throttle_wait_seconds_total{category}
//	#go_* and process_* system metrics
//
// The prometheus handler is mounted by the dashboard server at /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	once             sync.Once
	eventsTotal      *prometheus.CounterVec
	reconnects       prometheus.Counter
	connectionErrors prometheus.Counter
	rateLimitErrors  *prometheus.CounterVec
	throttleWait     *prometheus.CounterVec
)

func Init() {
	once.Do(func() {
		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyflow_events_total",
				Help: "Number of real-time events routed, by event type",
			},
			[]string{"type"},
		)

		reconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "polyflow_reconnects_total",
				Help: "Number of websocket reconnect rounds completed",
			},
		)

		connectionErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "polyflow_connection_errors_total",
				Help: "Number of websocket connection failures",
			},
		)

		rateLimitErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyflow_rate_limit_errors_total",
				Help: "Number of 429 responses recorded, by endpoint category",
			},
			[]string{"category"},
		)

		throttleWait = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyflow_throttle_wait_seconds_total",
				Help: "Seconds spent waiting on the rate governor, by endpoint category",
			},
			[]string{"category"},
		)

		_ = prometheus.Register(eventsTotal)
		_ = prometheus.Register(reconnects)
		_ = prometheus.Register(connectionErrors)
		_ = prometheus.Register(rateLimitErrors)
		_ = prometheus.Register(throttleWait)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// IncEvent increases the routed-event counter for the given event type.
func IncEvent(eventType string) {
	if eventsTotal != nil {
		eventsTotal.WithLabelValues(eventType).Inc()
	}
}

// IncReconnect increases the reconnect counter.
func IncReconnect() {
	if reconnects != nil {
		reconnects.Inc()
	}
}

// IncConnectionError increases the connection failure counter.
func IncConnectionError() {
	if connectionErrors != nil {
		connectionErrors.Inc()
	}
}

// IncRateLimitError increases the 429 counter for a category.
func IncRateLimitError(category string) {
	if rateLimitErrors != nil {
		rateLimitErrors.WithLabelValues(category).Inc()
	}
}

// AddThrottleWait adds governor wait time, in seconds, for a category.
func AddThrottleWait(category string, seconds float64) {
	if throttleWait != nil {
		throttleWait.WithLabelValues(category).Add(seconds)
	}
}
