package types

import (
	"time"
)

// MetricsManager hands out labelled instruments. Instruments sharing a name
// must always be requested with the same label keys.
type MetricsManager interface {
	Component
	Counter(name string, labels map[string]string) Counter
	Gauge(name string, labels map[string]string) Gauge
	Histogram(name string, buckets []float64, labels map[string]string) Histogram
	GetMetrics() ([]byte, error)
}

type Counter interface {
	Inc()
	Add(value float64)
	Get() float64
}

type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(value float64)
	Sub(value float64)
	Get() float64
}

// Histogram buckets are fixed by the first request for a name; nil means
// the prometheus defaults.
type Histogram interface {
	Observe(value float64)
	ObserveDuration(start time.Time)
	GetCount() uint64
	GetSum() float64
}
