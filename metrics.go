package adminchat

import "github.com/prometheus/client_golang/prometheus"

// Merge outcomes.
const (
	outcomeInserted   = "inserted"
	outcomeDuplicate  = "duplicate"
	outcomeReconciled = "reconciled"
)

// Metrics groups the synchronization engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RowsMerged *prometheus.CounterVec
	Refreshes  *prometheus.CounterVec
	Sends      *prometheus.CounterVec
	StoreRows  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RowsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adminchat_rows_merged_total",
			Help: "Rows offered to the store, by merge outcome.",
		}, []string{"outcome"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adminchat_refresh_total",
			Help: "Refresh operations, by kind and result.",
		}, []string{"kind", "result"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adminchat_send_total",
			Help: "Operator messages dispatched, by result.",
		}, []string{"result"}),
		StoreRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "adminchat_store_rows",
			Help: "Messages currently held in the store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RowsMerged, m.Refreshes, m.Sends, m.StoreRows)
	}
	return m
}

func (m *Metrics) merged(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RowsMerged.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) refreshed(kind, result string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) sent(result string) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(result).Inc()
}

func (m *Metrics) storeSize(n int) {
	if m == nil {
		return
	}
	m.StoreRows.Set(float64(n))
}
