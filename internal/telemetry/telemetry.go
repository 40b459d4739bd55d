// Package telemetry publishes the operator-facing Prometheus metrics of
// spec §8.2. Unlike the pull-model prometheus.Collector the corpus's
// sockstats exporter uses (querying live kernel state on every scrape),
// this engine already has cwnd/ssthresh at hand once per event-loop
// tick, so metrics are pushed into plain gauges/counters from there
// instead of re-derived on scrape. The RTT gauge is set only through
// RecordRTT, which the event loop does not call.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry bundles every metric this peer exposes.
type Telemetry struct {
	Registry *prometheus.Registry

	cwnd         *prometheus.GaugeVec
	ssthresh     *prometheus.GaugeVec
	rtt          *prometheus.GaugeVec
	retransmits  *prometheus.CounterVec
	uploadsActive   prometheus.Gauge
	downloadsActive prometheus.Gauge
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
}

// New registers and returns a fresh metric set.
func New() *Telemetry {
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		Registry: reg,
		cwnd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerd_cwnd_packets",
			Help: "Current Reno congestion window, in packets, per upload.",
		}, []string{"remote"}),
		ssthresh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerd_ssthresh_packets",
			Help: "Current slow-start threshold, in packets, per upload.",
		}, []string{"remote"}),
		rtt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerd_rtt_seconds",
			Help: "Most recent smoothed RTT estimate, in seconds, per upload.",
		}, []string{"remote"}),
		retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerd_retransmits_total",
			Help: "Total retransmissions, labeled by trigger.",
		}, []string{"kind"}),
		uploadsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerd_uploads_active",
			Help: "Number of uploads currently in flight.",
		}),
		downloadsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerd_downloads_active",
			Help: "Number of downloads currently in flight.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerd_bytes_sent_total",
			Help: "Total DATA payload bytes sent.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerd_bytes_received_total",
			Help: "Total DATA payload bytes received.",
		}),
	}
	reg.MustRegister(t.cwnd, t.ssthresh, t.rtt, t.retransmits,
		t.uploadsActive, t.downloadsActive, t.bytesSent, t.bytesReceived)
	return t
}

// UploadSnapshot is the per-upload view one tick of telemetry needs.
type UploadSnapshot struct {
	Remote   string
	Cwnd     float64
	Ssthresh int
}

// Publish overwrites the per-upload gauges with the current tick's
// values and the two active-count gauges.
func (t *Telemetry) Publish(uploads []UploadSnapshot, downloadsActive int) {
	t.cwnd.Reset()
	t.ssthresh.Reset()
	for _, u := range uploads {
		t.cwnd.WithLabelValues(u.Remote).Set(u.Cwnd)
		t.ssthresh.WithLabelValues(u.Remote).Set(float64(u.Ssthresh))
	}
	t.uploadsActive.Set(float64(len(uploads)))
	t.downloadsActive.Set(float64(downloadsActive))
}

// RecordRetransmit increments the counter for kind ("fast" or "timeout").
func (t *Telemetry) RecordRetransmit(kind string) { t.retransmits.WithLabelValues(kind).Inc() }

// RecordRTT publishes the latest RTT sample for remote, in seconds.
func (t *Telemetry) RecordRTT(remote string, seconds float64) { t.rtt.WithLabelValues(remote).Set(seconds) }

// AddBytesSent/AddBytesReceived account for DATA payload traffic.
func (t *Telemetry) AddBytesSent(n int)     { t.bytesSent.Add(float64(n)) }
func (t *Telemetry) AddBytesReceived(n int) { t.bytesReceived.Add(float64(n)) }
