// Package metrics exports RGA transactions and measurements to Prometheus
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/speters/rgad/rga"
)

const namespace = "rga"

// Metrics is a rga.Tracer that counts transactions, and a sink for scan results
type Metrics struct {
	transactions *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	faults       *prometheus.CounterVec
	partial      *prometheus.GaugeVec
	total        prometheus.Gauge
	scans        *prometheus.CounterVec
	lastScan     prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Command/reply transactions by mnemonic and outcome.",
		}, []string{"command", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Time from command write to reply.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"command"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Device faults reported in status bytes.",
		}, []string{"code"}),
		partial: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partial_pressure_torr",
			Help:      "Partial pressure per mass from the last reading or scan.",
		}, []string{"mass"}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_pressure_torr",
			Help:      "Total pressure from the last complete scan.",
		}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Spectrum scans by completeness.",
		}, []string{"complete"}),
		lastScan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_scan_timestamp_seconds",
			Help:      "Start time of the last published scan.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.transactions, m.duration, m.faults, m.partial, m.total, m.scans, m.lastScan,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// mnemonic keeps label cardinality bounded: MR28 and MR28.1 both count as MR
func mnemonic(cmd string) string {
	if len(cmd) < 2 {
		return cmd
	}
	return cmd[:2]
}

// Trace implements rga.Tracer
func (m *Metrics) Trace(r rga.Record) {
	cmd := mnemonic(r.Command)
	m.transactions.WithLabelValues(cmd, string(r.Outcome)).Inc()
	m.duration.WithLabelValues(cmd).Observe(r.Duration.Seconds())
	if f := r.Fault(); f != nil {
		for _, c := range f.Codes {
			m.faults.WithLabelValues(c.String()).Inc()
		}
	}
}

// ObserveReading sets the partial pressure gauge of one mass
func (m *Metrics) ObserveReading(r rga.Reading) {
	m.partial.WithLabelValues(massLabel(r.AMU)).Set(r.Pressure)
}

// ObserveSpectrum sets the gauges of the integer masses of sp and the total pressure if sp is complete
func (m *Metrics) ObserveSpectrum(sp *rga.Spectrum) {
	for _, p := range sp.Points {
		if p.AMU != float64(int(p.AMU)) {
			continue
		}
		m.partial.WithLabelValues(massLabel(p.AMU)).Set(p.Pressure)
	}
	m.scans.WithLabelValues(strconv.FormatBool(sp.Complete)).Inc()
	m.lastScan.Set(float64(sp.Started.UnixNano()) / 1e9)
	if sp.Complete {
		m.total.Set(sp.TotalPressure)
	}
}

func massLabel(amu float64) string {
	return strconv.FormatFloat(amu, 'f', -1, 64)
}
