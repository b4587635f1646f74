package broker

import (
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/topic"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/transport"
)

// conn is the broker side of one client transport.
type conn struct {
	broker *Broker
	queue  *eventQueue

	// Guarded by broker.mu.
	clientID   string
	sess       *session
	persistent bool
	will       *transport.Will
	nextID     uint16
	detached   bool
	closed     bool
}

var _ transport.Transport = (*conn)(nil)

func (c *conn) Events() <-chan transport.Packet { return c.queue.out }

func (c *conn) Close() error {
	b := c.broker
	b.mu.Lock()
	if !c.closed {
		c.closed = true
		if !c.detached {
			b.detach(c, true)
		}
	}
	b.mu.Unlock()

	c.queue.abort()
	return nil
}

func (c *conn) Send(p transport.Packet) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed || c.detached {
		return transport.ErrClosed
	}
	if _, isConnect := p.(*transport.Connect); !isConnect && c.sess == nil {
		return transport.ErrClosed
	}
	if c.clientID != "" {
		b.received[c.clientID] = append(b.received[c.clientID], clonePacket(p))
	}

	switch p := p.(type) {
	case *transport.Connect:
		c.handleConnect(p)
	case *transport.Publish:
		c.handlePublish(p)
	case *transport.PubRel:
		if s := c.sess; s != nil {
			if msg, ok := s.incoming[p.PacketID]; ok {
				delete(s.incoming, p.PacketID)
				b.route(msg)
			}
		}
		b.ack(c, &transport.PubComp{PacketID: p.PacketID})
	case *transport.PubRec:
		c.queue.push(&transport.PubRel{PacketID: p.PacketID})
	case *transport.PubAck, *transport.PubComp, *transport.PingReq:
	case *transport.Subscribe:
		c.handleSubscribe(p)
	case *transport.Unsubscribe:
		for _, f := range p.Filters {
			c.sess.unsubscribe(f)
		}
		c.queue.push(&transport.UnsubAck{PacketID: p.PacketID})
	case *transport.Disconnect:
		c.will = nil
		b.detach(c, false)
	default:
		return transport.ErrUnsupportedPacket
	}
	return nil
}

func (c *conn) handleConnect(p *transport.Connect) {
	b := c.broker
	c.clientID = p.ClientID
	b.received[c.clientID] = append(b.received[c.clientID], clonePacket(p))

	if b.refuse != 0 {
		c.queue.push(&transport.ConnAck{ReasonCode: b.refuse})
		return
	}

	if old, ok := b.conns[p.ClientID]; ok {
		b.detach(old, false)
		old.queue.push(&transport.Lost{Err: ErrDropped})
		old.queue.finish()
	}

	sess, present := b.sessions[p.ClientID]
	if p.CleanStart || !present {
		sess = &session{clientID: p.ClientID, incoming: make(map[uint16]*transport.Publish)}
		present = false
		b.sessions[p.ClientID] = sess
	}
	c.sess = sess
	c.persistent = !p.CleanStart
	if p.Will != nil {
		w := *p.Will
		c.will = &w
	}
	b.conns[p.ClientID] = c

	c.queue.push(&transport.ConnAck{SessionPresent: present})
}

func (c *conn) handlePublish(p *transport.Publish) {
	b := c.broker
	msg := *p
	msg.Payload = append([]byte(nil), p.Payload...)

	switch p.QoS {
	case 0:
		b.route(&msg)
	case 1:
		b.route(&msg)
		b.ack(c, &transport.PubAck{PacketID: p.PacketID})
	case 2:
		if _, dup := c.sess.incoming[p.PacketID]; !dup {
			c.sess.incoming[p.PacketID] = &msg
		}
		b.ack(c, &transport.PubRec{PacketID: p.PacketID})
	}
}

func (c *conn) handleSubscribe(p *transport.Subscribe) {
	b := c.broker
	codes := make([]byte, len(p.Subscriptions))
	var retained []transport.Publish

	for i, s := range p.Subscriptions {
		if b.rejected[s.Filter] || topic.ValidateFilter(s.Filter) != nil {
			codes[i] = 0x80
			continue
		}
		granted := min(s.QoS, b.maxQoS)
		codes[i] = granted
		isNew := c.sess.subscribe(s.Filter, granted)

		if s.RetainHandling == 2 || (s.RetainHandling == 1 && !isNew) {
			continue
		}
		for name, r := range b.retained {
			if topic.Match(s.Filter, name) {
				r.QoS = min(r.QoS, granted)
				retained = append(retained, r)
			}
		}
	}

	c.queue.push(&transport.SubAck{PacketID: p.PacketID, ReasonCodes: codes})
	for _, r := range retained {
		c.deliver(r, r.QoS, true)
	}
}

// matching returns the highest granted QoS over all filters matching name.
func (c *conn) matching(name string) (byte, bool) {
	if c.sess == nil {
		return 0, false
	}
	var (
		best  byte
		found bool
	)
	for _, s := range c.sess.subs {
		if topic.Match(s.filter, name) {
			found = true
			best = max(best, s.qos)
		}
	}
	return best, found
}

func (c *conn) deliver(p transport.Publish, qos byte, retain bool) {
	p.QoS = qos
	p.Retain = retain
	p.Dup = false
	p.PacketID = 0
	if qos > 0 {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		p.PacketID = c.nextID
	}
	c.queue.push(&p)
}

func clonePacket(p transport.Packet) transport.Packet {
	switch p := p.(type) {
	case *transport.Publish:
		cp := *p
		cp.Payload = append([]byte(nil), p.Payload...)
		return &cp
	case *transport.Subscribe:
		cp := *p
		cp.Subscriptions = append([]transport.Subscription(nil), p.Subscriptions...)
		return &cp
	case *transport.Connect:
		cp := *p
		return &cp
	default:
		return p
	}
}
