package metrics

import (
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-offline/types"
)

// Nop satisfies types.MetricsManager when metrics are disabled.
type Nop struct{}

func NewNop() *Nop { return &Nop{} }

func (Nop) Start() error    { return nil }
func (Nop) Stop() error     { return nil }
func (Nop) IsRunning() bool { return true }

func (Nop) Counter(string, map[string]string) types.Counter { return &nopValue{} }
func (Nop) Gauge(string, map[string]string) types.Gauge     { return &nopValue{} }
func (Nop) Histogram(string, []float64, map[string]string) types.Histogram {
	return &nopValue{}
}
func (Nop) GetMetrics() ([]byte, error) { return []byte("[]"), nil }

type nopValue struct {
	count atomic.Uint64
}

func (n *nopValue) Inc()                      {}
func (n *nopValue) Dec()                      {}
func (n *nopValue) Set(float64)               {}
func (n *nopValue) Add(float64)               {}
func (n *nopValue) Sub(float64)               {}
func (n *nopValue) Get() float64              { return 0 }
func (n *nopValue) Observe(float64)           { n.count.Add(1) }
func (n *nopValue) ObserveDuration(time.Time) { n.count.Add(1) }
func (n *nopValue) GetCount() uint64          { return n.count.Load() }
func (n *nopValue) GetSum() float64           { return 0 }
