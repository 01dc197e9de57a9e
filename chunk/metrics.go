package chunk

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	MessagesWritten *prometheus.CounterVec
	ChunksWritten   prometheus.Counter
	Flushes         prometheus.Counter
	FlushedBytes    prometheus.Counter
	FlushErrors     prometheus.Counter

	FragmentsAppended prometheus.Counter
	BytesAppended     prometheus.Counter
	ChunksRead        prometheus.Counter
	MessagesRead      prometheus.Counter
	ProtocolErrors    prometheus.Counter

	ReadPauses        prometheus.Counter
	WriteThrottleWait prometheus.Summary
}

func init() {
	prom.MessagesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "chunk",
		Name:      "messages_written_total",
		Help:      "Number of messages terminated by the encoder, by outcome",
	}, []string{"outcome"})
	prom.ChunksWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "chunk",
		Name:      "chunks_written_total",
		Help:      "Number of data chunks closed by the encoder, boundary markers excluded",
	})
	prom.Flushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "chunk",
		Name:      "flushes_total",
		Help:      "Number of transport writes issued by the encoder",
	})
	prom.FlushedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "chunk",
		Name:      "flushed_bytes_total",
		Help:      "Number of bytes handed to the transport by the encoder",
	})
	prom.FlushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "chunk",
		Name:      "flush_errors_total",
		Help:      "Number of failed transport writes. The connection is unusable afterwards",
	})
	prom.FragmentsAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "chunk",
		Name:      "fragments_appended_total",
		Help:      "Number of fragments handed to the decoder by the transport",
	})
	prom.BytesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "chunk",
		Name:      "appended_bytes_total",
		Help:      "Number of raw bytes handed to the decoder by the transport",
	})
	prom.ChunksRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "chunk",
		Name:      "chunks_read_total",
		Help:      "Number of data chunk headers consumed by the decoder",
	})
	prom.MessagesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "chunk",
		Name:      "boundaries_read_total",
		Help:      "Number of boundary markers consumed by the decoder",
	})
	prom.ProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "chunk",
		Name:      "protocol_errors_total",
		Help:      "Number of malformed chunk headers received. Should alert on this",
	})
	prom.ReadPauses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boltconn",
		Subsystem: "backpressure",
		Name:      "read_pauses_total",
		Help:      "Number of times reading from the transport was paused",
	})
	prom.WriteThrottleWait = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "boltconn",
		Subsystem: "backpressure",
		Name:      "write_throttle_seconds",
		Help:      "Seconds a flush waited for outstanding bytes to drain",
	})
}

// RegisterMetrics registers the collectors of this package with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(prom.MessagesWritten)
	r.MustRegister(prom.ChunksWritten)
	r.MustRegister(prom.Flushes)
	r.MustRegister(prom.FlushedBytes)
	r.MustRegister(prom.FlushErrors)
	r.MustRegister(prom.FragmentsAppended)
	r.MustRegister(prom.BytesAppended)
	r.MustRegister(prom.ChunksRead)
	r.MustRegister(prom.MessagesRead)
	r.MustRegister(prom.ProtocolErrors)
	r.MustRegister(prom.ReadPauses)
	r.MustRegister(prom.WriteThrottleWait)
}
