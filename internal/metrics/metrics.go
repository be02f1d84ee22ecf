// Package metrics содержит Prometheus-метрики сервиса.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry содержит коллекторы сервиса.
	Registry = prometheus.NewRegistry()

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "splitbill",
			Subsystem: "bills",
			Name:      "transitions_total",
			Help:      "Bill state transitions by operation and result.",
		},
		[]string{"op", "result"},
	)

	storeConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "splitbill",
			Subsystem: "store",
			Name:      "conflicts_total",
			Help:      "Read-modify-write attempts retried because of a concurrent write.",
		},
		[]string{"store"},
	)

	actionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "splitbill",
			Subsystem: "actions",
			Name:      "rejected_total",
			Help:      "Actions dropped before dispatch.",
		},
		[]string{"reason"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "splitbill",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "splitbill",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method"},
	)
)

func init() {
	Registry.MustRegister(
		transitions,
		storeConflicts,
		actionsRejected,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler возвращает HTTP-обработчик для выдачи метрик.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveTransition учитывает результат операции над счётом.
func ObserveTransition(op, result string) {
	transitions.WithLabelValues(op, result).Inc()
}

// ObserveConflict учитывает повтор транзакции из-за конкурентной записи.
func ObserveConflict(store string) {
	storeConflicts.WithLabelValues(store).Inc()
}

// ObserveRejectedAction учитывает действие, отброшенное до выполнения.
func ObserveRejectedAction(reason string) {
	actionsRejected.WithLabelValues(reason).Inc()
}

// ObserveHTTP учитывает обработанный HTTP-запрос.
func ObserveHTTP(method string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
