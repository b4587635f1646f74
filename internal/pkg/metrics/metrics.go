package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ConnectionState is 1 for the current state of each connection and 0 for
	// every other state.
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simplemqtt_connection_state",
			Help: "Lifecycle state of each MQTT connection (1 = current state).",
		},
		[]string{"client_id", "state"},
	)

	// ReconnectAttempts counts scheduled reconnect attempts.
	ReconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simplemqtt_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts.",
		},
		[]string{"client_id"},
	)

	// ReconnectDelay observes the backoff delay chosen before each attempt.
	ReconnectDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simplemqtt_reconnect_delay_seconds",
			Help:    "Backoff delay before reconnect attempts.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"client_id"},
	)

	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simplemqtt_messages_published_total",
			Help: "Total number of PUBLISH packets handed to the transport.",
		},
		[]string{"client_id", "qos"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simplemqtt_messages_received_total",
			Help: "Total number of inbound application messages.",
		},
		[]string{"client_id", "qos"},
	)

	// InflightMessages is the number of unacknowledged QoS 1/2 publishes.
	InflightMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simplemqtt_inflight_messages",
			Help: "Outbound QoS 1/2 messages awaiting acknowledgment.",
		},
		[]string{"client_id"},
	)

	HookErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simplemqtt_hook_errors_total",
			Help: "Total number of failed or panicking hooks and handlers.",
		},
		[]string{"client_id", "event"},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectAttempts,
		ReconnectDelay,
		MessagesPublished,
		MessagesReceived,
		InflightMessages,
		HookErrors,
	)
}

// SetState marks current as the only active state of clientID.
func SetState(clientID, current string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectionState.WithLabelValues(clientID, s).Set(v)
	}
}

// QoSLabel formats a QoS level as a label value.
func QoSLabel(qos byte) string {
	return strconv.Itoa(int(qos))
}

// Forget drops every series of clientID.
func Forget(clientID string) {
	labels := prometheus.Labels{"client_id": clientID}
	ConnectionState.DeletePartialMatch(labels)
	ReconnectAttempts.DeletePartialMatch(labels)
	ReconnectDelay.DeletePartialMatch(labels)
	MessagesPublished.DeletePartialMatch(labels)
	MessagesReceived.DeletePartialMatch(labels)
	InflightMessages.DeletePartialMatch(labels)
	HookErrors.DeletePartialMatch(labels)
}
