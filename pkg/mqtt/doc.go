// Package mqtt is a managed MQTT client.
//
// A Builder collects connection parameters and builds a Connection. The
// Connection owns one network session at a time and moves through the states
// disconnected, connecting, connected, reconnecting, disconnecting and closed.
//
//	conn, err := mqtt.NewBuilder("sensor-1", "broker.local").
//		AutoReconnect(time.Second, 30*time.Second).
//		Availability("sensors/1/status", []byte("online"), []byte("offline"), mqtt.AtLeastOnce, true).
//		Build()
//
// Lifecycle hooks and message handlers run one at a time on a per-connection
// dispatch goroutine, in the order the underlying events happened. A hook may
// publish, subscribe or unsubscribe; it must not call Close.
package mqtt
