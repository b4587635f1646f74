package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// Protocol versions as carried in CONNECT.
const (
	V311 byte = 4
	V5   byte = 5
)

var (
	// ErrClosed is returned by Send after Close or after the session was lost.
	ErrClosed = errors.New("transport: closed")

	// ErrPingTimeout is the Lost reason when the broker stops answering PINGREQ.
	ErrPingTimeout = errors.New("transport: keep-alive timeout")

	// ErrUnsupportedPacket is returned when a codec cannot map a packet.
	ErrUnsupportedPacket = errors.New("transport: unsupported packet")

	// ErrServerDisconnect is the Lost reason for a broker-initiated DISCONNECT.
	ErrServerDisconnect = errors.New("transport: disconnected by server")
)

// Transport is one open network session with a broker.
//
// Events yields inbound packets in wire order. When the session ends without
// Close having been called, a final *Lost is delivered; the channel is closed
// in every case once the reader has stopped.
type Transport interface {
	Send(p Packet) error
	Events() <-chan Packet
	Close() error
}

// Dialer opens Transports.
type Dialer interface {
	Open(ctx context.Context, opts Options) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, opts Options) (Transport, error)

// Open calls f.
func (f DialerFunc) Open(ctx context.Context, opts Options) (Transport, error) {
	return f(ctx, opts)
}

// Options describes where and how to open a Transport.
type Options struct {
	// Scheme is tcp, tls, ws or wss. Empty means tcp, or tls when TLSConfig is set.
	Scheme string

	// Address is host:port.
	Address string

	// Path is the WebSocket request path. Defaults to /mqtt.
	Path string

	TLSConfig       *tls.Config
	ProtocolVersion byte
	ConnectTimeout  time.Duration

	// KeepAlive is the CONNECT keep-alive; 0 disables pinging.
	KeepAlive   time.Duration
	PingTimeout time.Duration

	Logger logr.Logger
}

func (o Options) scheme() string {
	if o.Scheme != "" {
		return o.Scheme
	}
	if o.TLSConfig != nil {
		return "tls"
	}
	return "tcp"
}

// Kind identifies a packet. Values 1..14 equal the MQTT control packet types.
type Kind byte

const (
	KindConnect Kind = iota + 1
	KindConnAck
	KindPublish
	KindPubAck
	KindPubRec
	KindPubRel
	KindPubComp
	KindSubscribe
	KindSubAck
	KindUnsubscribe
	KindUnsubAck
	KindPingReq
	KindPingResp
	KindDisconnect

	// KindLost is not a wire packet; it marks the end of a session.
	KindLost Kind = 0xFF
)

var kindNames = map[Kind]string{
	KindConnect:     "CONNECT",
	KindConnAck:     "CONNACK",
	KindPublish:     "PUBLISH",
	KindPubAck:      "PUBACK",
	KindPubRec:      "PUBREC",
	KindPubRel:      "PUBREL",
	KindPubComp:     "PUBCOMP",
	KindSubscribe:   "SUBSCRIBE",
	KindSubAck:      "SUBACK",
	KindUnsubscribe: "UNSUBSCRIBE",
	KindUnsubAck:    "UNSUBACK",
	KindPingReq:     "PINGREQ",
	KindPingResp:    "PINGRESP",
	KindDisconnect:  "DISCONNECT",
	KindLost:        "LOST",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// Packet is an MQTT control packet, or *Lost.
type Packet interface {
	Kind() Kind
}

// Will is the last-will message registered with CONNECT.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Connect opens the protocol session.
type Connect struct {
	ClientID   string
	Username   string
	Password   []byte
	KeepAlive  uint16
	CleanStart bool

	// SessionExpiry is sent as a v5 property when non-zero.
	SessionExpiry uint32

	Will *Will
}

// ConnAck answers Connect.
type ConnAck struct {
	SessionPresent bool
	ReasonCode     byte
}

// Publish carries an application message in either direction.
type Publish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	Dup      bool
	PacketID uint16
}

// PubAck acknowledges a QoS 1 Publish.
type PubAck struct {
	PacketID   uint16
	ReasonCode byte
}

// PubRec is the first QoS 2 acknowledgment.
type PubRec struct {
	PacketID   uint16
	ReasonCode byte
}

// PubRel releases a QoS 2 message.
type PubRel struct {
	PacketID   uint16
	ReasonCode byte
}

// PubComp completes a QoS 2 exchange.
type PubComp struct {
	PacketID   uint16
	ReasonCode byte
}

// Subscription is one filter inside Subscribe.
type Subscription struct {
	Filter         string
	QoS            byte
	RetainHandling byte // v5 only
	NoLocal        bool // v5 only
}

// Subscribe requests one or more subscriptions.
type Subscribe struct {
	PacketID      uint16
	Subscriptions []Subscription
}

// SubAck carries one return code per requested subscription: the granted QoS,
// or a failure code >= 0x80.
type SubAck struct {
	PacketID    uint16
	ReasonCodes []byte
}

// Unsubscribe removes subscriptions.
type Unsubscribe struct {
	PacketID uint16
	Filters  []string
}

// UnsubAck answers Unsubscribe. ReasonCodes is empty for v3.1.1.
type UnsubAck struct {
	PacketID    uint16
	ReasonCodes []byte
}

type PingReq struct{}

type PingResp struct{}

// Disconnect ends the protocol session cleanly.
type Disconnect struct {
	ReasonCode byte
}

// Lost reports the end of the session; it is always the last event.
type Lost struct {
	Err error
}

func (*Connect) Kind() Kind     { return KindConnect }
func (*ConnAck) Kind() Kind     { return KindConnAck }
func (*Publish) Kind() Kind     { return KindPublish }
func (*PubAck) Kind() Kind      { return KindPubAck }
func (*PubRec) Kind() Kind      { return KindPubRec }
func (*PubRel) Kind() Kind      { return KindPubRel }
func (*PubComp) Kind() Kind     { return KindPubComp }
func (*Subscribe) Kind() Kind   { return KindSubscribe }
func (*SubAck) Kind() Kind      { return KindSubAck }
func (*Unsubscribe) Kind() Kind { return KindUnsubscribe }
func (*UnsubAck) Kind() Kind    { return KindUnsubAck }
func (*PingReq) Kind() Kind     { return KindPingReq }
func (*PingResp) Kind() Kind    { return KindPingResp }
func (*Disconnect) Kind() Kind  { return KindDisconnect }
func (*Lost) Kind() Kind        { return KindLost }

func (l *Lost) Error() string {
	if l.Err == nil {
		return "transport lost"
	}
	return "transport lost: " + l.Err.Error()
}

func (l *Lost) Unwrap() error { return l.Err }
