package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики подсистемы вызовов. Регистрируются один раз
// на процесс в default registry.
var (
	metricCallsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "call",
		Name:      "started_total",
		Help:      "Количество инициированных исходящих вызовов",
	})

	metricCallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "call",
		Name:      "ended_total",
		Help:      "Количество завершённых вызовов по терминальному статусу",
	}, []string{"status"})

	metricCallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callkit",
		Subsystem: "call",
		Name:      "active",
		Help:      "Количество вызовов в нетерминальном статусе",
	})

	metricStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "call",
		Name:      "status_transitions_total",
		Help:      "Количество переходов статуса вызова",
	}, []string{"status"})

	metricCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "callkit",
		Subsystem: "call",
		Name:      "duration_seconds",
		Help:      "Длительность вызова от connecting до терминального статуса",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})
)
