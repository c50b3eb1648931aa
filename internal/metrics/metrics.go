package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mailpipe/internal/message"
)

// Attempt results.
const (
	ResultSuccess   = "success"
	ResultRejected  = "rejected"
	ResultTransport = "transport"
)

var (
	MessagesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_messages_submitted_total",
			Help: "Messages accepted by the API and handed to the pipeline.",
		},
		[]string{},
	)
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_delivery_attempts_total",
			Help: "Delivery attempts by result: success, rejected (SMTP reply) or transport (connection failure).",
		},
		[]string{"result"},
	)
	MessagesTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_messages_terminal_total",
			Help: "Messages reaching a terminal status.",
		},
		[]string{"status"},
	)
	Cleanups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_cleanups_total",
			Help: "Message records removed by the cleanup stage.",
		},
		[]string{},
	)
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailpipe_queue_depth",
			Help: "Tasks waiting in the scheduler, due or not.",
		},
	)
)

// AttemptResult classifies an SMTP reply code for DeliveryAttempts.
func AttemptResult(code int) string {
	switch {
	case code < 0:
		return ResultTransport
	case message.IsSuccess(code):
		return ResultSuccess
	default:
		return ResultRejected
	}
}

// SetQueueDepth records the current queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// QueueDepth exposes the depth gauge for inspection.
func QueueDepth() prometheus.Gauge {
	return queueDepth
}

// ResetForTests clears counters; intended for use in tests only.
func ResetForTests() {
	MessagesSubmitted.Reset()
	DeliveryAttempts.Reset()
	MessagesTerminal.Reset()
	Cleanups.Reset()
	queueDepth.Set(0)
}
