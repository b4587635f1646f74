// Package broker is an in-memory MQTT broker for tests. It implements
// transport.Dialer, so a Connection built with Builder.Dialer(b) talks to it
// directly without sockets.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/transport"
)

var (
	// ErrDialFailed is returned by Open while FailDials is in effect.
	ErrDialFailed = errors.New("broker: dial failed")
	// ErrDropped is the Lost reason of a connection removed with Drop.
	ErrDropped = errors.New("broker: connection dropped")
)

type subscription struct {
	filter string
	qos    byte
}

type session struct {
	clientID string
	subs     []subscription
	incoming map[uint16]*transport.Publish
}

func (s *session) subscribe(filter string, qos byte) (isNew bool) {
	for i := range s.subs {
		if s.subs[i].filter == filter {
			s.subs[i].qos = qos
			return false
		}
	}
	s.subs = append(s.subs, subscription{filter: filter, qos: qos})
	return true
}

func (s *session) unsubscribe(filter string) {
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.filter != filter {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
}

// Broker routes messages between in-memory connections.
type Broker struct {
	mu sync.Mutex

	sessions map[string]*session
	conns    map[string]*conn
	retained map[string]transport.Publish
	received map[string][]transport.Packet

	maxQoS   byte
	rejected map[string]bool

	dials     int
	failDials int
	dialHook  func(ctx context.Context) error
	refuse    byte
	holdAcks  bool
	held      []func()
	sticky    map[string]int
}

var _ transport.Dialer = (*Broker)(nil)

func New() *Broker {
	return &Broker{
		sessions: make(map[string]*session),
		conns:    make(map[string]*conn),
		retained: make(map[string]transport.Publish),
		received: make(map[string][]transport.Packet),
		rejected: make(map[string]bool),
		sticky:   make(map[string]int),
		maxQoS:   2,
	}
}

// Open implements transport.Dialer.
func (b *Broker) Open(ctx context.Context, _ transport.Options) (transport.Transport, error) {
	b.mu.Lock()
	b.dials++
	hook := b.dialHook
	if b.failDials != 0 {
		if b.failDials > 0 {
			b.failDials--
		}
		b.mu.Unlock()
		return nil, ErrDialFailed
	}
	b.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &conn{broker: b, queue: newEventQueue()}, nil
}

// FailDials makes the next n dials fail; a negative n fails all of them until
// FailDials(0).
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	b.failDials = n
	b.mu.Unlock()
}

// OnDial runs fn inside every successful dial, before the transport is returned.
func (b *Broker) OnDial(fn func(ctx context.Context) error) {
	b.mu.Lock()
	b.dialHook = fn
	b.mu.Unlock()
}

// Dials counts Open calls.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Refuse answers following CONNECTs with code; 0 accepts again.
func (b *Broker) Refuse(code byte) {
	b.mu.Lock()
	b.refuse = code
	b.mu.Unlock()
}

// SetMaxQoS caps every granted subscription QoS.
func (b *Broker) SetMaxQoS(q byte) {
	b.mu.Lock()
	b.maxQoS = q
	b.mu.Unlock()
}

// RejectFilter makes SUBSCRIBE to filter fail with 0x80.
func (b *Broker) RejectFilter(filter string) {
	b.mu.Lock()
	b.rejected[filter] = true
	b.mu.Unlock()
}

// HoldAcks withholds PUBACK, PUBREC and PUBCOMP until ReleaseAcks.
func (b *Broker) HoldAcks() {
	b.mu.Lock()
	b.holdAcks = true
	b.mu.Unlock()
}

// ReleaseAcks sends every withheld acknowledgment and stops holding.
func (b *Broker) ReleaseAcks() {
	b.mu.Lock()
	held := b.held
	b.held = nil
	b.holdAcks = false
	for _, fn := range held {
		fn()
	}
	b.mu.Unlock()
}

// StickyRetained makes the broker ignore the next n clears of name's retained
// message.
func (b *Broker) StickyRetained(name string, n int) {
	b.mu.Lock()
	b.sticky[name] = n
	b.mu.Unlock()
}

// DiscardHeldAcks forgets withheld acknowledgments.
func (b *Broker) DiscardHeldAcks() {
	b.mu.Lock()
	b.held = nil
	b.mu.Unlock()
}

// Drop severs the connection of clientID as a network failure would. The last
// will, if any, is published.
func (b *Broker) Drop(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[clientID]
	if !ok {
		return false
	}
	b.detach(c, true)
	c.queue.push(&transport.Lost{Err: ErrDropped})
	c.queue.finish()
	return true
}

// Connected reports whether clientID has a live session.
func (b *Broker) Connected(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[clientID]
	return ok
}

// Subscriptions lists the filters stored for clientID.
func (b *Broker) Subscriptions(clientID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.filter)
	}
	return out
}

// Retained returns the retained message of name.
func (b *Broker) Retained(name string) (transport.Publish, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[name]
	return p, ok
}

// Received returns every packet clientID sent, in order.
func (b *Broker) Received(clientID string) []transport.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Packet(nil), b.received[clientID]...)
}

// ReceivedOf filters Received by kind.
func (b *Broker) ReceivedOf(clientID string, kind transport.Kind) []transport.Packet {
	var out []transport.Packet
	for _, p := range b.Received(clientID) {
		if p.Kind() == kind {
			out = append(out, p)
		}
	}
	return out
}

// Inject publishes p as if another client sent it.
func (b *Broker) Inject(p transport.Publish) {
	b.mu.Lock()
	b.route(&p)
	b.mu.Unlock()
}

// ack sends or withholds an acknowledgment. Caller holds b.mu.
func (b *Broker) ack(c *conn, p transport.Packet) {
	if b.holdAcks {
		b.held = append(b.held, func() { c.queue.push(p) })
		return
	}
	c.queue.push(p)
}

// detach removes c from the broker. Caller holds b.mu.
func (b *Broker) detach(c *conn, publishWill bool) {
	if b.conns[c.clientID] == c {
		delete(b.conns, c.clientID)
	}
	if c.sess != nil && !c.persistent {
		delete(b.sessions, c.clientID)
	}
	if publishWill && c.will != nil {
		will := c.will
		c.will = nil
		b.route(&transport.Publish{Topic: will.Topic, Payload: will.Payload, QoS: will.QoS, Retain: will.Retain})
	}
	c.detached = true
}

// route stores retained state and fans p out to subscribers. Caller holds b.mu.
func (b *Broker) route(p *transport.Publish) {
	if p.Retain {
		switch {
		case len(p.Payload) == 0 && b.sticky[p.Topic] > 0:
			b.sticky[p.Topic]--
		case len(p.Payload) == 0:
			delete(b.retained, p.Topic)
		default:
			stored := *p
			stored.Payload = append([]byte(nil), p.Payload...)
			stored.PacketID, stored.Dup = 0, false
			b.retained[p.Topic] = stored
		}
	}

	for _, c := range b.conns {
		granted, ok := c.matching(p.Topic)
		if !ok {
			continue
		}
		c.deliver(*p, min(p.QoS, granted), false)
	}
}
