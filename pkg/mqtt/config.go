package mqtt

import (
	"net"
	"strconv"
	"time"

	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/tlsconfig"
)

const (
	DefaultPort           = 1883
	DefaultTLSPort        = 8883
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxInflight    = 100
)

// TLS modes, re-exported for Builder users.
const (
	TLSNone     = tlsconfig.None
	TLSSystem   = tlsconfig.System
	TLSCustomCA = tlsconfig.CustomCA
)

// ReconnectPolicy bounds the reconnect backoff.
type ReconnectPolicy struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Availability is the online/offline announcement of a connection. Offline is
// registered as last will; Online is published after every connect.
type Availability struct {
	Topic   string
	Online  []byte
	Offline []byte
	QoS     QualityOfService
	Retain  bool
}

// Config is the immutable result of Builder.Config. Values returned from the
// package never share memory with the builder or the connection.
type Config struct {
	ClientID string
	Host     string
	Port     int

	// Scheme is tcp, tls, ws or wss; empty derives tcp or tls from TLS.Mode.
	Scheme        string
	WebSocketPath string

	Username string
	Password []byte

	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	TLS tlsconfig.Options

	PersistentSession bool
	// SessionExpiry is sent with v5 CONNECT when the session is persistent.
	SessionExpiry time.Duration

	// Reconnect is nil when automatic reconnection is disabled.
	Reconnect *ReconnectPolicy

	// Availability is nil when no announcement is configured.
	Availability *Availability

	ProtocolVersion ProtocolVersion
	MaxInflight     int
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) clone() Config {
	out := c
	out.Password = cloneBytes(c.Password)
	if c.Reconnect != nil {
		r := *c.Reconnect
		out.Reconnect = &r
	}
	if c.Availability != nil {
		a := *c.Availability
		a.Online = cloneBytes(a.Online)
		a.Offline = cloneBytes(a.Offline)
		out.Availability = &a
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
