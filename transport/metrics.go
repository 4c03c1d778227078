package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pstream",
		Name:      "messages_sent_total",
		Help:      "Point-to-point messages sent, by comms type.",
	}, []string{"comms_type"})

	bytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pstream",
		Name:      "bytes_sent_total",
		Help:      "Payload bytes sent, by comms type.",
	}, []string{"comms_type"})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pstream",
		Name:      "messages_received_total",
		Help:      "Point-to-point messages received, by comms type.",
	}, []string{"comms_type"})

	bytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pstream",
		Name:      "bytes_received_total",
		Help:      "Payload bytes received, by comms type.",
	}, []string{"comms_type"})

	collectivePayload = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pstream",
		Name:      "collective_payload_bytes",
		Help:      "Bytes sent by one worker in one collective call.",
		Buckets:   prometheus.ExponentialBuckets(8, 4, 10),
	}, []string{"op"})
)

func recordSend(ct CommsType, n int) {
	messagesSent.WithLabelValues(ct.String()).Inc()
	bytesSent.WithLabelValues(ct.String()).Add(float64(n))
}

func recordReceive(ct CommsType, n int) {
	messagesReceived.WithLabelValues(ct.String()).Inc()
	bytesReceived.WithLabelValues(ct.String()).Add(float64(n))
}

// ObserveCollective records the bytes one worker sent during one call of
// the named collective.
func ObserveCollective(op string, n int) {
	collectivePayload.WithLabelValues(op).Observe(float64(n))
}
