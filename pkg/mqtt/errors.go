package mqtt

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid or contradictory builder input.
	ErrConfiguration = errors.New("mqtt: invalid configuration")
	// ErrInvalidState marks an operation attempted from a disallowed state.
	ErrInvalidState = errors.New("mqtt: invalid state")
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrDeliveryInterrupted is returned to callers waiting for an
	// acknowledgment when the session ends first.
	ErrDeliveryInterrupted = errors.New("mqtt: delivery interrupted")
	// ErrTransport wraps network and TLS failures.
	ErrTransport = errors.New("mqtt: transport failure")

	ErrClosed          = fmt.Errorf("%w: connection closed", ErrInvalidState)
	ErrConnectRefused  = errors.New("mqtt: connection refused")
	ErrSubscribeFailed = errors.New("mqtt: subscription refused")
	ErrUnsubscribe     = errors.New("mqtt: unsubscribe refused")
	ErrMaxInflight     = errors.New("mqtt: too many messages in flight")
	ErrInvalidQoS      = errors.New("mqtt: invalid qos")
	ErrInvalidTopic    = errors.New("mqtt: invalid topic")
	ErrNilHandler      = errors.New("mqtt: nil handler")
	ErrConnectTimeout  = errors.New("mqtt: no CONNACK within connect timeout")
)

// ConfigError reports one rejected builder value.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrConfiguration, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

// ReasonCode is a CONNACK, SUBACK or UNSUBACK result code.
type ReasonCode byte

var reasonText = map[ReasonCode]string{
	0x01: "unacceptable protocol version",
	0x02: "identifier rejected",
	0x03: "server unavailable",
	0x04: "bad user name or password",
	0x05: "not authorized",
	0x80: "unspecified error",
	0x81: "malformed packet",
	0x82: "protocol error",
	0x83: "implementation specific error",
	0x84: "unsupported protocol version",
	0x85: "client identifier not valid",
	0x86: "bad user name or password",
	0x87: "not authorized",
	0x88: "server unavailable",
	0x89: "server busy",
	0x8A: "banned",
	0x8C: "bad authentication method",
	0x8F: "topic filter invalid",
	0x91: "packet identifier in use",
	0x97: "quota exceeded",
	0x9E: "shared subscriptions not supported",
	0xA1: "subscription identifiers not supported",
	0xA2: "wildcard subscriptions not supported",
}

func (c ReasonCode) Error() string {
	if s, ok := reasonText[c]; ok {
		return fmt.Sprintf("reason 0x%02X: %s", byte(c), s)
	}
	return fmt.Sprintf("reason 0x%02X", byte(c))
}

// Failed reports whether c is an error code.
func (c ReasonCode) Failed() bool { return c >= 0x80 }

// HookError wraps a failure inside a hook or handler.
type HookError struct {
	Event string
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("mqtt: %s hook: %v", e.Event, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }
