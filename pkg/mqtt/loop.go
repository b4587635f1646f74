package mqtt

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/Dev-CorliJoni/simple-mqtt/internal/pkg/metrics"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/transport"
)

func (c *Connection) run() {
	defer close(c.done)

	for !c.stopped {
		select {
		case op := <-c.ops:
			op()
		case p, ok := <-c.events:
			if !ok {
				c.handleLost(io.ErrUnexpectedEOF)
				continue
			}
			c.handle(p)
		case <-c.retryC:
			c.retryC = nil
			c.retry()
		case <-c.connackC:
			c.connackC = nil
			c.connackTimeout()
		}
	}
}

func (c *Connection) handle(p transport.Packet) {
	switch p := p.(type) {
	case *transport.ConnAck:
		c.handleConnAck(p)
	case *transport.Publish:
		c.handlePublish(p)
	case *transport.PubAck:
		c.handlePubAck(p)
	case *transport.PubRec:
		c.handlePubRec(p)
	case *transport.PubRel:
		c.handlePubRel(p)
	case *transport.PubComp:
		c.handlePubComp(p)
	case *transport.SubAck:
		c.handleSubAck(p)
	case *transport.UnsubAck:
		c.handleUnsubAck(p)
	case *transport.Lost:
		c.handleLost(p.Err)
	default:
		c.log.Debug("Ignoring packet", "kind", p.Kind().String())
	}
}

// attach binds a freshly dialed transport and sends CONNECT.
func (c *Connection) attach(gen uint64, tr transport.Transport, dialErr error) error {
	if gen != c.generation || c.closing || !c.state.is(StateConnecting) {
		if tr != nil {
			_ = tr.Close()
		}
		return ErrClosed
	}
	if dialErr != nil {
		err := fmt.Errorf("%w: %w", ErrTransport, dialErr)
		c.connectFailed(err)
		return err
	}

	c.tr = tr
	c.events = tr.Events()
	if err := tr.Send(c.connectPacket()); err != nil {
		c.dropTransport()
		err = fmt.Errorf("%w: %w", ErrTransport, err)
		c.connectFailed(err)
		return err
	}

	c.connackTimer = time.NewTimer(c.cfg.ConnectTimeout)
	c.connackC = c.connackTimer.C
	return nil
}

func (c *Connection) connectPacket() *transport.Connect {
	p := &transport.Connect{
		ClientID:   c.cfg.ClientID,
		Username:   c.cfg.Username,
		Password:   cloneBytes(c.cfg.Password),
		KeepAlive:  uint16(c.cfg.KeepAlive / time.Second),
		CleanStart: !c.cfg.PersistentSession,
	}
	if c.cfg.ProtocolVersion == V5 && c.cfg.PersistentSession {
		expiry := uint32(c.cfg.SessionExpiry / time.Second)
		if c.cfg.SessionExpiry == 0 {
			expiry = math.MaxUint32
		}
		p.SessionExpiry = expiry
	}
	if a := c.cfg.Availability; a != nil {
		p.Will = &transport.Will{
			Topic:   a.Topic,
			Payload: cloneBytes(a.Offline),
			QoS:     byte(a.QoS),
			Retain:  a.Retain,
		}
	}
	return p
}

// connectFailed settles a failed attempt made while connecting.
func (c *Connection) connectFailed(err error) {
	if c.reconnecting && c.backoff != nil && !c.closing {
		c.log.Warn("Reconnect attempt failed", "error", err.Error())
		c.state.mustFire(EventSuspend)
		c.scheduleRetry()
		return
	}
	c.log.Error(err, "Failed to connect to MQTT broker", "address", c.cfg.Address())
	c.connectErr = err
	c.state.mustFire(EventLost)
	c.notifyAwaiters(err)
}

func (c *Connection) handleConnAck(p *transport.ConnAck) {
	if !c.state.is(StateConnecting) {
		c.log.Debug("Ignoring unexpected CONNACK", "state", string(c.state.state()))
		return
	}
	c.stopConnackTimer()

	if p.ReasonCode != 0 {
		c.dropTransport()
		c.connectFailed(fmt.Errorf("%w: %w", ErrConnectRefused, ReasonCode(p.ReasonCode)))
		return
	}

	resumed := p.SessionPresent && c.cfg.PersistentSession
	c.sessionResumed.Store(resumed)
	c.connectErr = nil
	if c.backoff != nil {
		c.backoff.Reset()
	}
	c.state.mustFire(EventEstablished)
	c.log.Info("MQTT connection established", "sessionResumed", resumed, "reconnect", c.reconnecting)

	if resumed {
		c.redeliver()
	} else {
		c.discardSession()
		c.restoreSubscriptions()
	}

	if !c.closing {
		if a := c.cfg.Availability; a != nil {
			online := transport.Publish{Topic: a.Topic, Payload: cloneBytes(a.Online), QoS: byte(a.QoS), Retain: a.Retain}
			if err := c.publish(online, nil); err != nil {
				c.log.Error(err, "Failed to announce availability", "topic", a.Topic)
			}
		}

		hooks := c.callbacks.onConnectHooks()
		c.dispatch.enqueue(func() {
			for _, h := range hooks {
				c.invoke("on_connect", func() error { return h(c.hookCtx, c, resumed) })
			}
		})
	}
	c.notifyAwaiters(nil)
}

// redeliver resends unfinished handshakes of a resumed session in their
// original order.
func (c *Connection) redeliver() {
	records := c.inflight.ordered()
	if len(records) > 0 {
		c.log.Info("Redelivering in-flight messages", "count", len(records))
	}
	for _, r := range records {
		var pkt transport.Packet
		if r.state == recordReleased {
			pkt = &transport.PubRel{PacketID: r.packet.PacketID}
		} else {
			dup := r.packet
			dup.Dup = true
			pkt = &dup
		}
		if err := c.send(pkt); err != nil {
			return
		}
	}
}

// discardSession drops state that a fresh broker session no longer knows.
func (c *Connection) discardSession() {
	if n := c.inflight.len(); n > 0 {
		c.log.Warn("Session not resumed, discarding in-flight messages", "count", n)
		c.inflight.interrupt(fmt.Errorf("%w: session not resumed", ErrDeliveryInterrupted))
	}
	c.inflight = newInflightStore()
	c.ids.reset()
	c.incoming = make(map[uint16]Message)
	c.updateInflight()
}

// restoreSubscriptions re-sends every entry after a clean session start.
func (c *Connection) restoreSubscriptions() {
	for _, s := range c.subs.all() {
		id, ok := c.ids.acquire()
		if !ok {
			return
		}
		c.pendingSubs[id] = &pendingSubscribe{sub: s}
		c.log.Debug("Restoring subscription", "filter", s.filter)
		if err := c.send(&transport.Subscribe{
			PacketID: id,
			Subscriptions: []transport.Subscription{{
				Filter:         s.filter,
				QoS:            byte(s.qos),
				RetainHandling: byte(s.retainHandling),
			}},
		}); err != nil {
			return
		}
	}
}

func (c *Connection) handleLost(reason error) {
	if reason == nil {
		reason = io.EOF
	}
	cause := fmt.Errorf("%w: %w", ErrTransport, reason)
	prev := c.state.state()
	c.dropTransport()

	switch prev {
	case StateConnected:
		c.log.Warn("MQTT connection lost", "error", reason.Error())
		c.interrupt(fmt.Errorf("%w: %w", ErrDeliveryInterrupted, cause))
		if c.closing {
			c.state.mustFire(EventLost)
			return
		}
		c.enqueueOnDisconnect(cause)
		if c.backoff != nil {
			c.state.mustFire(EventSuspend)
			c.scheduleRetry()
			return
		}
		c.state.mustFire(EventLost)
	case StateConnecting:
		c.connectFailed(cause)
	default:
		c.log.Debug("Ignoring transport loss", "state", string(prev))
	}
}

// interrupt fails every caller waiting on the current session. Publish
// records survive; pending subscriptions made by callers are withdrawn.
func (c *Connection) interrupt(err error) {
	c.inflight.interrupt(err)

	for id, p := range c.pendingSubs {
		if p.result != nil {
			c.subs.remove(p.sub)
			p.result <- subscribeOutcome{err: err}
		}
		delete(c.pendingSubs, id)
		c.ids.release(id)
	}
	for id, p := range c.pendingUnsubs {
		p.result <- err
		delete(c.pendingUnsubs, id)
		c.ids.release(id)
	}
}

func (c *Connection) enqueueOnDisconnect(cause error) {
	hooks := c.callbacks.onDisconnectHooks()
	c.dispatch.enqueue(func() {
		for _, h := range hooks {
			c.invoke("on_disconnect", func() error { return h(c.hookCtx, c, cause) })
		}
	})
}

func (c *Connection) scheduleRetry() {
	d := c.backoff.Next()
	metrics.ReconnectAttempts.WithLabelValues(c.cfg.ClientID).Inc()
	metrics.ReconnectDelay.WithLabelValues(c.cfg.ClientID).Observe(d.Seconds())
	c.log.Info("Scheduling reconnect", "delay", d.String(), "attempt", c.backoff.Attempts())

	c.retryTimer = time.NewTimer(d)
	c.retryC = c.retryTimer.C
}

func (c *Connection) retry() {
	c.retryTimer = nil
	if c.closing || !c.state.is(StateReconnecting) {
		return
	}
	c.state.mustFire(EventRetry)
	c.reconnecting = true
	c.generation++
	gen := c.generation
	opts := c.transportOptions()

	go func() {
		tr, err := c.dialer.Open(c.closeCtx, opts)
		c.post(func() { _ = c.attach(gen, tr, err) }, tr)
	}()
}

func (c *Connection) connackTimeout() {
	c.connackTimer = nil
	if !c.state.is(StateConnecting) {
		return
	}
	c.dropTransport()
	c.connectFailed(fmt.Errorf("%w: %w", ErrTransport, ErrConnectTimeout))
}

func (c *Connection) stopRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryC = nil
}

func (c *Connection) stopConnackTimer() {
	if c.connackTimer != nil {
		c.connackTimer.Stop()
		c.connackTimer = nil
	}
	c.connackC = nil
}

func (c *Connection) dropTransport() {
	c.stopConnackTimer()
	if c.tr == nil {
		return
	}
	tr := c.tr
	c.tr, c.events = nil, nil
	if err := tr.Close(); err != nil {
		c.log.Debug("Transport close", "error", err.Error())
	}
}

func (c *Connection) notifyAwaiters(err error) {
	for _, ch := range c.awaiters {
		ch <- err
	}
	c.awaiters = nil
}

func (c *Connection) send(p transport.Packet) error {
	if c.tr == nil {
		return ErrNotConnected
	}
	if err := c.tr.Send(p); err != nil {
		c.log.Debug("Send failed", "kind", p.Kind().String(), "error", err.Error())
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (c *Connection) publish(pkt transport.Publish, waiter chan error) error {
	if !c.state.is(StateConnected) || c.tr == nil {
		return c.notConnected()
	}

	if pkt.QoS == byte(AtMostOnce) {
		if err := c.send(&pkt); err != nil {
			return err
		}
		metrics.MessagesPublished.WithLabelValues(c.cfg.ClientID, metrics.QoSLabel(pkt.QoS)).Inc()
		return nil
	}

	if c.inflight.len() >= c.cfg.MaxInflight {
		return ErrMaxInflight
	}
	id, ok := c.ids.acquire()
	if !ok {
		return ErrMaxInflight
	}
	pkt.PacketID = id
	c.inflight.add(pkt, waiter)
	c.updateInflight()

	// A failed send is followed by a transport loss, which settles the waiter.
	if err := c.send(&pkt); err == nil {
		metrics.MessagesPublished.WithLabelValues(c.cfg.ClientID, metrics.QoSLabel(pkt.QoS)).Inc()
	}
	return nil
}

func (c *Connection) subscribe(filter string, qos QualityOfService, rh RetainHandling, h MessageHandler, result chan subscribeOutcome) error {
	if !c.state.is(StateConnected) || c.tr == nil {
		return c.notConnected()
	}
	id, ok := c.ids.acquire()
	if !ok {
		return ErrMaxInflight
	}

	s := c.subs.add(filter, qos, rh, h)
	c.pendingSubs[id] = &pendingSubscribe{sub: s, result: result}
	_ = c.send(&transport.Subscribe{
		PacketID: id,
		Subscriptions: []transport.Subscription{{
			Filter:         filter,
			QoS:            byte(qos),
			RetainHandling: byte(rh),
		}},
	})
	return nil
}

func (c *Connection) unsubscribe(filter string, result chan error) error {
	if !c.state.is(StateConnected) || c.tr == nil {
		return c.notConnected()
	}
	id, ok := c.ids.acquire()
	if !ok {
		return ErrMaxInflight
	}

	c.pendingUnsubs[id] = &pendingUnsubscribe{filter: filter, result: result}
	_ = c.send(&transport.Unsubscribe{PacketID: id, Filters: []string{filter}})
	return nil
}

func (c *Connection) handlePublish(p *transport.Publish) {
	msg := Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       QualityOfService(p.QoS),
		Retain:    p.Retain,
		Duplicate: p.Dup,
	}
	metrics.MessagesReceived.WithLabelValues(c.cfg.ClientID, metrics.QoSLabel(p.QoS)).Inc()

	switch msg.QoS {
	case AtMostOnce:
		c.deliver(msg)
	case AtLeastOnce:
		c.deliver(msg)
		_ = c.send(&transport.PubAck{PacketID: p.PacketID})
	case ExactlyOnce:
		if _, seen := c.incoming[p.PacketID]; !seen {
			c.incoming[p.PacketID] = msg
		}
		_ = c.send(&transport.PubRec{PacketID: p.PacketID})
	default:
		c.log.Warn("Dropping message with invalid QoS", "topic", p.Topic, "qos", p.QoS)
	}
}

func (c *Connection) handlePubRel(p *transport.PubRel) {
	if msg, ok := c.incoming[p.PacketID]; ok {
		delete(c.incoming, p.PacketID)
		c.deliver(msg)
	}
	_ = c.send(&transport.PubComp{PacketID: p.PacketID})
}

// deliver queues msg for every matching entry in registration order.
func (c *Connection) deliver(msg Message) {
	matches := c.subs.match(msg.Topic)
	if len(matches) == 0 {
		c.log.Debug("Received message on unhandled topic", "topic", msg.Topic)
		return
	}

	handlers := make([]MessageHandler, len(matches))
	for i, s := range matches {
		handlers[i] = s.handler
	}
	c.dispatch.enqueue(func() {
		for _, h := range handlers {
			c.invoke("message", func() error { return h(c.hookCtx, c, msg) })
		}
	})
}

func (c *Connection) handlePubAck(p *transport.PubAck) {
	r, ok := c.inflight.get(p.PacketID)
	if !ok || r.qos() != AtLeastOnce {
		c.log.Debug("Ignoring PUBACK", "packetID", p.PacketID)
		return
	}
	c.complete(r, reasonError(p.ReasonCode))
}

func (c *Connection) handlePubRec(p *transport.PubRec) {
	r, ok := c.inflight.get(p.PacketID)
	if !ok || r.qos() != ExactlyOnce {
		c.log.Debug("Ignoring PUBREC", "packetID", p.PacketID)
		return
	}
	if err := reasonError(p.ReasonCode); err != nil {
		c.complete(r, err)
		return
	}
	r.state = recordReleased
	_ = c.send(&transport.PubRel{PacketID: p.PacketID})
}

func (c *Connection) handlePubComp(p *transport.PubComp) {
	r, ok := c.inflight.get(p.PacketID)
	if !ok || r.qos() != ExactlyOnce {
		c.log.Debug("Ignoring PUBCOMP", "packetID", p.PacketID)
		return
	}
	c.complete(r, reasonError(p.ReasonCode))
}

func (c *Connection) complete(r *inflightRecord, err error) {
	r.state = recordComplete
	c.inflight.remove(r.packet.PacketID)
	c.ids.release(r.packet.PacketID)
	r.notify(err)
	c.updateInflight()
}

func (c *Connection) handleSubAck(p *transport.SubAck) {
	pending, ok := c.pendingSubs[p.PacketID]
	if !ok {
		c.log.Debug("Ignoring SUBACK", "packetID", p.PacketID)
		return
	}
	delete(c.pendingSubs, p.PacketID)
	c.ids.release(p.PacketID)

	code := ReasonCode(0x80)
	if len(p.ReasonCodes) > 0 {
		code = ReasonCode(p.ReasonCodes[0])
	}

	if code.Failed() {
		c.subs.remove(pending.sub)
		err := fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, pending.sub.filter, code)
		if pending.result == nil {
			c.dispatch.enqueue(func() { c.reportError(&HookError{Event: "resubscribe", Err: err}) })
			return
		}
		pending.result <- subscribeOutcome{err: err}
		return
	}

	pending.sub.granted = QualityOfService(code)
	if pending.result != nil {
		pending.result <- subscribeOutcome{result: SubscribeResult{ReasonCode: byte(code), GrantedQoS: QualityOfService(code)}}
	}
}

func (c *Connection) handleUnsubAck(p *transport.UnsubAck) {
	pending, ok := c.pendingUnsubs[p.PacketID]
	if !ok {
		c.log.Debug("Ignoring UNSUBACK", "packetID", p.PacketID)
		return
	}
	delete(c.pendingUnsubs, p.PacketID)
	c.ids.release(p.PacketID)

	n := c.subs.removeFilter(pending.filter)
	c.log.Debug("Unsubscribed", "filter", pending.filter, "entries", n)

	var err error
	if len(p.ReasonCodes) > 0 {
		if code := ReasonCode(p.ReasonCodes[0]); code.Failed() {
			err = fmt.Errorf("%w: %s: %w", ErrUnsubscribe, pending.filter, code)
		}
	}
	pending.result <- err
}

func (c *Connection) updateInflight() {
	n := c.inflight.len()
	c.inflightCount.Store(int64(n))
	metrics.InflightMessages.WithLabelValues(c.cfg.ClientID).Set(float64(n))
}

func reasonError(code byte) error {
	if rc := ReasonCode(code); rc.Failed() {
		return rc
	}
	return nil
}
