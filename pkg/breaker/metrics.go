package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики выключателей. Регистрируются один раз на процесс
// в default registry, лейбл name разделяет выключатели.
var (
	metricState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "callkit",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Текущее состояние circuit breaker (0=closed, 1=halfOpen, 2=open)",
	}, []string{"name"})

	metricTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "breaker",
		Name:      "trips_total",
		Help:      "Количество размыканий circuit breaker",
	}, []string{"name"})

	metricRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "breaker",
		Name:      "rejections_total",
		Help:      "Количество отказов без вызова операции в open-состоянии",
	}, []string{"name"})
)

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
