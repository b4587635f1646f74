package mqtt

import (
	"context"
	"fmt"
)

// QualityOfService is the MQTT delivery guarantee. The value is the wire value.
type QualityOfService byte

const (
	AtMostOnce QualityOfService = iota
	AtLeastOnce
	ExactlyOnce
)

func (q QualityOfService) Valid() bool { return q <= ExactlyOnce }

func (q QualityOfService) String() string {
	switch q {
	case AtMostOnce:
		return "AtMostOnce"
	case AtLeastOnce:
		return "AtLeastOnce"
	case ExactlyOnce:
		return "ExactlyOnce"
	default:
		return fmt.Sprintf("QualityOfService(%d)", byte(q))
	}
}

// RetainHandling controls retained delivery for a new v5 subscription. v3.1.1
// brokers always send retained messages on subscribe.
type RetainHandling byte

const (
	SendRetainedAlways RetainHandling = iota
	SendRetainedIfNew
	DoNotSendRetained
)

func (r RetainHandling) Valid() bool { return r <= DoNotSendRetained }

// ProtocolVersion selects the wire protocol.
type ProtocolVersion byte

const (
	V311 ProtocolVersion = 4
	V5   ProtocolVersion = 5
)

func (v ProtocolVersion) String() string {
	switch v {
	case V311:
		return "3.1.1"
	case V5:
		return "5"
	default:
		return fmt.Sprintf("ProtocolVersion(%d)", byte(v))
	}
}

// State is the lifecycle state of a Connection.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	StateDisconnecting State = "disconnecting"
	StateClosed        State = "closed"
)

// Message is an inbound application message.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       QualityOfService
	Retain    bool
	Duplicate bool
}

// SubscribeResult is the broker's answer to a subscription.
type SubscribeResult struct {
	ReasonCode byte
	// GrantedQoS may be lower than the requested level.
	GrantedQoS QualityOfService
}

// MessageHandler receives messages matching a subscription filter.
type MessageHandler func(ctx context.Context, conn *Connection, msg Message) error

// OnConnectHook runs after every accepted CONNACK, reconnects included.
type OnConnectHook func(ctx context.Context, conn *Connection, sessionResumed bool) error

// BeforeDisconnectHook runs during Close while the session is still usable.
type BeforeDisconnectHook func(ctx context.Context, conn *Connection) error

// OnDisconnectHook runs once per lost session and once after Close. cause is
// nil after Close.
type OnDisconnectHook func(ctx context.Context, conn *Connection, cause error) error

// ErrorHandler receives failures of hooks and handlers. It runs on the
// dispatch goroutine.
type ErrorHandler func(err error)
