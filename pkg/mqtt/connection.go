package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Dev-CorliJoni/simple-mqtt/internal/pkg/metrics"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/log"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/tlsconfig"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/topic"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/transport"
)

type connectionDeps struct {
	logger  log.Logger
	onError ErrorHandler
	dialer  transport.Dialer
	tls     *tls.Config
}

type subscribeOutcome struct {
	result SubscribeResult
	err    error
}

type pendingSubscribe struct {
	sub *subscription
	// result is nil when the subscription is restored after a reconnect.
	result chan subscribeOutcome
}

type pendingUnsubscribe struct {
	filter string
	result chan error
}

// Connection is a managed MQTT session. It is safe for concurrent use.
//
// All session state lives on one loop goroutine; public methods hand work to
// it and wait. Hooks and handlers run on a second goroutine in event order.
type Connection struct {
	cfg     Config
	log     log.Logger
	dialer  transport.Dialer
	tls     *tls.Config
	onError ErrorHandler

	state     *stateMachine
	callbacks callbacks
	dispatch  *dispatcher

	ops  chan func()
	done chan struct{}

	// closeCtx aborts dials; hookCtx is handed to hooks and ends after the
	// last on_disconnect hook.
	closeCtx    context.Context
	closeCancel context.CancelFunc
	hookCtx     context.Context
	hookCancel  context.CancelFunc

	sessionResumed atomic.Bool
	inflightCount  atomic.Int64

	// Owned by the loop goroutine.
	tr            transport.Transport
	events        <-chan transport.Packet
	generation    uint64
	reconnecting  bool
	closing       bool
	stopped       bool
	ids           *packetIDs
	inflight      *inflightStore
	subs          subscriptionTable
	pendingSubs   map[uint16]*pendingSubscribe
	pendingUnsubs map[uint16]*pendingUnsubscribe
	incoming      map[uint16]Message
	backoff       *Backoff
	retryTimer    *time.Timer
	retryC        <-chan time.Time
	connackTimer  *time.Timer
	connackC      <-chan time.Time
	awaiters      []chan error
	// connectErr is the failure of the last connect attempt, if any.
	connectErr error
}

func newConnection(cfg Config, deps connectionDeps) *Connection {
	logger := deps.logger.WithName("mqtt").WithValues("clientID", cfg.ClientID)

	c := &Connection{
		cfg:           cfg,
		log:           logger,
		dialer:        deps.dialer,
		tls:           deps.tls,
		onError:       deps.onError,
		state:         newStateMachine(logger, cfg.ClientID),
		dispatch:      newDispatcher(),
		ops:           make(chan func()),
		done:          make(chan struct{}),
		ids:           newPacketIDs(),
		inflight:      newInflightStore(),
		pendingSubs:   make(map[uint16]*pendingSubscribe),
		pendingUnsubs: make(map[uint16]*pendingUnsubscribe),
		incoming:      make(map[uint16]Message),
	}
	c.closeCtx, c.closeCancel = context.WithCancel(context.Background())
	c.hookCtx, c.hookCancel = context.WithCancel(context.Background())
	if r := cfg.Reconnect; r != nil {
		c.backoff = NewBackoff(r.MinDelay, r.MaxDelay)
	}

	go c.run()
	return c
}

// Config returns a copy of the configuration the connection was built with.
func (c *Connection) Config() Config { return c.cfg.clone() }

func (c *Connection) ClientID() string { return c.cfg.ClientID }

func (c *Connection) State() State { return c.state.state() }

func (c *Connection) IsConnected() bool { return c.state.is(StateConnected) }

// SessionResumed reports the session-present flag of the last accepted CONNACK.
func (c *Connection) SessionResumed() bool { return c.sessionResumed.Load() }

// InFlight is the number of outbound QoS 1/2 messages awaiting acknowledgment.
func (c *Connection) InFlight() int { return int(c.inflightCount.Load()) }

// Done is closed once Close finished and every queued hook has run.
func (c *Connection) Done() <-chan struct{} { return c.dispatch.done }

func (c *Connection) AddOnConnect(h OnConnectHook) { c.callbacks.addOnConnect(h) }

func (c *Connection) AddBeforeDisconnect(h BeforeDisconnectHook) {
	c.callbacks.addBeforeDisconnect(h)
}

func (c *Connection) AddOnDisconnect(h OnDisconnectHook) { c.callbacks.addOnDisconnect(h) }

// Connect opens the transport and sends CONNECT. It returns once CONNECT is
// on the wire; on_connect hooks run when the broker accepts. Connect is only
// valid in the disconnected state.
//
// Dial failures are returned as ErrTransport and leave the connection
// disconnected. A refused CONNACK is reported through AwaitConnection.
func (c *Connection) Connect(ctx context.Context) error {
	var (
		gen uint64
		err error
	)
	if e := c.exec(ctx, func() {
		if c.closing {
			err = ErrClosed
			return
		}
		if !c.state.is(StateDisconnected) {
			err = fmt.Errorf("%w: connect while %s", ErrInvalidState, c.state.state())
			return
		}
		c.state.mustFire(EventConnect)
		c.reconnecting = false
		c.connectErr = nil
		c.generation++
		gen = c.generation
	}); e != nil {
		return e
	}
	if err != nil {
		return err
	}

	c.log.Info("Connecting to MQTT broker",
		"address", c.cfg.Address(),
		"protocol", c.cfg.ProtocolVersion.String(),
		"tls", tlsconfig.Describe(c.tls),
	)

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.closeCtx, cancel)
	tr, dialErr := c.dialer.Open(dialCtx, c.transportOptions())
	stop()
	cancel()

	if e := c.exec(context.Background(), func() { err = c.attach(gen, tr, dialErr) }); e != nil {
		if tr != nil {
			_ = tr.Close()
		}
		return e
	}
	return err
}

// ConnectAndWait is Connect followed by AwaitConnection.
func (c *Connection) ConnectAndWait(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.AwaitConnection(ctx)
}

// AwaitConnection blocks until the connection is connected. It fails when the
// current connect attempt fails without a retry, when the connection is
// closed, or immediately when no attempt is in progress. A connect attempt
// that already failed is reported with its cause.
func (c *Connection) AwaitConnection(ctx context.Context) error {
	ch := make(chan error, 1)
	if err := c.exec(ctx, func() {
		switch {
		case c.closing:
			ch <- ErrClosed
		case c.state.is(StateConnected):
			ch <- nil
		case c.state.is(StateDisconnected) && c.connectErr != nil:
			ch <- c.connectErr
		case c.state.is(StateDisconnected):
			ch <- ErrNotConnected
		default:
			c.awaiters = append(c.awaiters, ch)
		}
	}); err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends a message. QoS 0 returns once the packet is handed to the
// transport. For QoS 1 and 2 with waitForPublish, Publish blocks until the
// final acknowledgment; if the session ends first it fails with
// ErrDeliveryInterrupted while the message stays queued for redelivery.
//
// A retained message with an empty payload clears the retained value of topicName.
func (c *Connection) Publish(ctx context.Context, topicName string, payload []byte, qos QualityOfService, retain, waitForPublish bool) error {
	if err := topic.ValidateTopic(topicName); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	if !qos.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	if !c.IsConnected() {
		return c.notConnected()
	}

	var waiter chan error
	if waitForPublish && qos > AtMostOnce {
		waiter = make(chan error, 1)
	}
	pkt := transport.Publish{Topic: topicName, Payload: cloneBytes(payload), QoS: byte(qos), Retain: retain}

	var err error
	if e := c.exec(ctx, func() { err = c.publish(pkt, waiter) }); e != nil {
		return e
	}
	if err != nil || waiter == nil {
		return err
	}

	select {
	case err = <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeOption tunes a single subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	retainHandling RetainHandling
}

// WithRetainHandling sets the v5 retain handling; v3.1.1 ignores it.
func WithRetainHandling(rh RetainHandling) SubscribeOption {
	return func(o *subscribeOptions) { o.retainHandling = rh }
}

// Subscribe registers handler for filter and waits for SUBACK. The entry is
// active from the moment SUBSCRIBE is sent and is removed again if the broker
// refuses it. Overlapping filters are independent entries.
func (c *Connection) Subscribe(ctx context.Context, filter string, handler MessageHandler, qos QualityOfService, opts ...SubscribeOption) (SubscribeResult, error) {
	if err := topic.ValidateFilter(filter); err != nil {
		return SubscribeResult{}, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	if !qos.Valid() {
		return SubscribeResult{}, fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	if handler == nil {
		return SubscribeResult{}, ErrNilHandler
	}
	o := subscribeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.retainHandling.Valid() {
		return SubscribeResult{}, fmt.Errorf("mqtt: invalid retain handling %d", o.retainHandling)
	}
	if !c.IsConnected() {
		return SubscribeResult{}, c.notConnected()
	}

	result := make(chan subscribeOutcome, 1)
	var err error
	if e := c.exec(ctx, func() { err = c.subscribe(filter, qos, o.retainHandling, handler, result) }); e != nil {
		return SubscribeResult{}, e
	}
	if err != nil {
		return SubscribeResult{}, err
	}

	select {
	case out := <-result:
		return out.result, out.err
	case <-ctx.Done():
		return SubscribeResult{}, ctx.Err()
	}
}

// Unsubscribe sends UNSUBSCRIBE and removes every entry for filter once the
// broker acknowledges. Messages dispatched before that may still arrive.
func (c *Connection) Unsubscribe(ctx context.Context, filter string) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	if !c.IsConnected() {
		return c.notConnected()
	}

	result := make(chan error, 1)
	var err error
	if e := c.exec(ctx, func() { err = c.unsubscribe(filter, result) }); e != nil {
		return e
	}
	if err != nil {
		return err
	}

	select {
	case err = <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close runs before_disconnect hooks while the session is still usable, sends
// DISCONNECT, releases the transport and enters the terminal closed state. A
// pending reconnect is cancelled. on_disconnect hooks run afterwards on the
// dispatch goroutine; wait on Done to observe them.
//
// before_disconnect and on_disconnect only run when the connection was
// connected at the time of the call; closing a connection that is
// disconnected, connecting or reconnecting runs no hooks.
//
// Called from a hook or handler, Close returns at once and the close sequence
// runs after the current dispatch round. Done reports its completion.
func (c *Connection) Close() error {
	var (
		prev State
		err  error
	)
	if e := c.exec(context.Background(), func() {
		if c.closing {
			err = ErrClosed
			return
		}
		c.closing = true
		prev = c.state.state()
		c.stopRetry()
		c.closeCancel()
	}); e != nil {
		return ErrClosed
	}
	if err != nil {
		return err
	}

	c.log.Info("Closing MQTT connection", "state", string(prev))

	if c.dispatch.current() {
		c.dispatch.enqueue(func() { c.finishClose(prev) })
		return nil
	}
	c.finishClose(prev)
	return nil
}

// finishClose runs after closing was set; prev is the state Close found.
func (c *Connection) finishClose(prev State) {
	if prev == StateConnected {
		hooks := c.callbacks.beforeDisconnectHooks()
		runHooks := func() {
			for _, h := range hooks {
				c.invoke("before_disconnect", func() error { return h(c.hookCtx, c) })
			}
		}
		if c.dispatch.current() {
			runHooks()
		} else {
			<-c.dispatch.call(runHooks)
		}
	}

	_ = c.exec(context.Background(), func() {
		if c.tr != nil && c.state.is(StateConnected) {
			if err := c.tr.Send(&transport.Disconnect{}); err != nil {
				c.log.Debug("Failed to send DISCONNECT", "error", err.Error())
			}
		}
		c.state.mustFire(EventDisconnect)
		c.dropTransport()
		c.interrupt(fmt.Errorf("%w: %w", ErrDeliveryInterrupted, ErrClosed))
		c.state.mustFire(EventClose)
		c.notifyAwaiters(ErrClosed)
		if prev == StateConnected {
			c.enqueueOnDisconnect(nil)
		}
		c.stopped = true
	})

	c.dispatch.enqueue(func() {
		c.callbacks.clear()
		c.hookCancel()
	})
	c.dispatch.stop()
	c.log.Info("MQTT connection closed")
}

func (c *Connection) notConnected() error {
	if c.state.is(StateClosed) {
		return fmt.Errorf("%w: %w", ErrNotConnected, ErrClosed)
	}
	return ErrNotConnected
}

// exec runs fn on the loop goroutine and waits for it.
func (c *Connection) exec(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	op := func() {
		defer close(ran)
		fn()
	}

	select {
	case c.ops <- op:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// post hands fn to the loop without waiting. tr is released if the loop is gone.
func (c *Connection) post(fn func(), tr transport.Transport) {
	select {
	case c.ops <- fn:
	case <-c.done:
		if tr != nil {
			_ = tr.Close()
		}
	}
}

// invoke runs one hook or handler, isolating errors and panics.
func (c *Connection) invoke(event string, fn func() error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn()
	}()
	if err != nil {
		c.reportError(&HookError{Event: event, Err: err})
	}
}

// reportError must run on the dispatch goroutine.
func (c *Connection) reportError(err *HookError) {
	metrics.HookErrors.WithLabelValues(c.cfg.ClientID, err.Event).Inc()
	if c.onError == nil {
		c.log.Error(err.Err, "Hook failed", "event", err.Event)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(fmt.Errorf("panic: %v", r), "Error handler failed")
		}
	}()
	c.onError(err)
}

func (c *Connection) transportOptions() transport.Options {
	var tlsCfg *tls.Config
	if c.tls != nil {
		tlsCfg = c.tls.Clone()
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = c.cfg.Host
		}
	}
	return transport.Options{
		Scheme:          c.cfg.Scheme,
		Address:         c.cfg.Address(),
		Path:            c.cfg.WebSocketPath,
		TLSConfig:       tlsCfg,
		ProtocolVersion: byte(c.cfg.ProtocolVersion),
		ConnectTimeout:  c.cfg.ConnectTimeout,
		KeepAlive:       c.cfg.KeepAlive,
		Logger:          c.log.Logr(),
	}
}
