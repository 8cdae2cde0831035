// Package metrics содержит счётчики и гистограммы prometheus,
// публикуемые на /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DecodeJobsFinished считает задания по конечному статусу.
var DecodeJobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "decode_jobs_finished_total",
	Help: "Decode jobs by terminal status.",
}, []string{"status"})

// EmptyNormalizedResults считает успешно нормализованные, но полностью
// пустые результаты: признак того, что модель ответила вне ожидаемой схемы.
var EmptyNormalizedResults = promauto.NewCounter(prometheus.CounterOpts{
	Name: "decode_empty_normalized_results_total",
	Help: "Normalized decode results with every field empty.",
})

// ProviderCallDuration измеряет длительность обращений к внешним моделям.
var ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "decode_provider_call_seconds",
	Help:    "Outbound provider call duration.",
	Buckets: prometheus.DefBuckets,
}, []string{"provider", "outcome"})
