package boltconn

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zereker/boltconn/chunk"
)

var prom struct {
	ActiveConnections   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	DecodeErrors        prometheus.Counter
}

func init() {
	prom.ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "boltconn",
		Subsystem: "conn",
		Name:      "active",
		Help:      "Number of connections run by ServeConns",
	})
	prom.ConnectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "conn",
		Name:      "accepted_total",
		Help:      "Number of accepted TCP connections",
	})
	prom.DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "conn",
		Name:      "decode_errors_total",
		Help:      "Number of messages the codec failed to decode",
	})
}

// RegisterMetrics registers the connection and chunk layer collectors with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(prom.ActiveConnections)
	r.MustRegister(prom.ConnectionsAccepted)
	r.MustRegister(prom.DecodeErrors)
	chunk.RegisterMetrics(r)
}
