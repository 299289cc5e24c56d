package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatTurns        *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	Actions          *prometheus.CounterVec
	EventsPublished  prometheus.Counter
	EventsProcessed  prometheus.Counter
	EventsFailed     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskpilot",
				Name:      "chat_turns_total",
				Help:      "Chat turns handled, by outcome (ok, fallback)",
			}, []string{"outcome"}),
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskpilot",
				Name:      "provider_requests_total",
				Help:      "Provider calls by provider and result kind",
			}, []string{"provider", "result"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "taskpilot",
				Name:      "provider_request_seconds",
				Help:      "Provider call latency including the retry",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			}, []string{"provider"}),
			Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskpilot",
				Name:      "actions_total",
				Help:      "Executed assistant actions by kind and outcome",
			}, []string{"kind", "outcome"}),
			EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "taskpilot",
				Name:      "events_published_total",
				Help:      "Task events published to the redis stream",
			}),
			EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "taskpilot",
				Name:      "events_processed_total",
				Help:      "Task events recorded by the audit worker",
			}),
			EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "taskpilot",
				Name:      "events_failed_total",
				Help:      "Task events that failed processing",
			}),
		}
		prometheus.MustRegister(
			global.ChatTurns,
			global.ProviderRequests,
			global.ProviderLatency,
			global.Actions,
			global.EventsPublished,
			global.EventsProcessed,
			global.EventsFailed,
		)
	})
	return global
}
