// Package metrics exposes the Prometheus series obiwan reports about
// connection and transfer lifecycle, modeled on the prometheus/client_golang
// counters and gauges used by runZeroInc's go-tcpinfo exporter for
// per-connection instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Request outcome labels for RequestsTotal.
const (
	ResultAccepted           = "accepted"
	ResultRejectedWrite      = "rejected_write"
	ResultRejectedBadPath    = "rejected_bad_path"
	ResultRejectedOpenFailed = "rejected_open_failed"
	ResultRejectedOther      = "rejected_other"
)

var (
	// ConnectionsActive tracks the number of in-flight transfers.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "obiwan_connections_active",
		Help: "Number of TFTP transfers currently in progress.",
	})

	// RequestsTotal counts initial RRQ/WRQ outcomes by result.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "obiwan_requests_total",
		Help: "Initial TFTP requests received, by outcome.",
	}, []string{"result"})

	// TransfersCompletedTotal counts transfers that reached end of file.
	TransfersCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "obiwan_transfers_completed_total",
		Help: "TFTP transfers that completed successfully.",
	})

	// TransfersAbortedTotal counts transfers that ended any other way
	// (retransmission budget exhausted, client ERROR, mid-transfer I/O
	// error, protocol violation).
	TransfersAbortedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "obiwan_transfers_aborted_total",
		Help: "TFTP transfers that ended without completing.",
	})

	// RetransmissionsTotal counts DATA/OACK resends triggered by timeouts.
	RetransmissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "obiwan_retransmissions_total",
		Help: "Packets resent due to a client ACK timeout.",
	})

	// BytesServedTotal counts payload bytes placed into DATA packets.
	BytesServedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "obiwan_bytes_served_total",
		Help: "Cumulative bytes of file payload sent in DATA packets.",
	})
)

// Registry is the Prometheus registry obiwan's /metrics endpoint serves.
// A dedicated registry (rather than the global DefaultRegisterer) keeps the
// exported series limited to exactly what this package defines.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ConnectionsActive,
		RequestsTotal,
		TransfersCompletedTotal,
		TransfersAbortedTotal,
		RetransmissionsTotal,
		BytesServedTotal,
	)
}
