package mqtt_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dev-CorliJoni/simple-mqtt/internal/testutil/broker"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/transport"
)

func TestConnectionLifecycle(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "lifecycle")

	assert.Equal(t, mqtt.StateDisconnected, conn.State())
	connect(t, conn)
	assert.Equal(t, mqtt.StateConnected, conn.State())
	assert.True(t, b.Connected("lifecycle"))

	require.NoError(t, conn.Close())
	<-conn.Done()
	assert.Equal(t, mqtt.StateClosed, conn.State())
	assert.False(t, b.Connected("lifecycle"))
	assert.Len(t, b.ReceivedOf("lifecycle", transport.KindDisconnect), 1)
}

func TestCallbackOrder(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "order")
	rec := &recorder{}

	for _, name := range []string{"c1", "c2"} {
		name := name
		conn.AddOnConnect(func(context.Context, *mqtt.Connection, bool) error {
			rec.add(name)
			return nil
		})
	}
	for _, name := range []string{"b1", "b2"} {
		name := name
		conn.AddBeforeDisconnect(func(context.Context, *mqtt.Connection) error {
			rec.add(name)
			return nil
		})
	}
	for _, name := range []string{"d1", "d2"} {
		name := name
		conn.AddOnDisconnect(func(_ context.Context, _ *mqtt.Connection, cause error) error {
			assert.NoError(t, cause)
			rec.add(name)
			return nil
		})
	}

	connect(t, conn)
	require.NoError(t, conn.Close())
	<-conn.Done()

	assert.Equal(t, []string{"c1", "c2", "b1", "b2", "d1", "d2"}, rec.list())
}

func TestConnectWhileConnected(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "twice")
	connect(t, conn)

	err := conn.Connect(testContext(t))
	assert.ErrorIs(t, err, mqtt.ErrInvalidState)
	assert.Equal(t, mqtt.StateConnected, conn.State())
	assert.Equal(t, 1, b.Dials())
}

func TestClosedIsTerminal(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "terminal")
	connect(t, conn)
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Close(), mqtt.ErrClosed)
	assert.ErrorIs(t, conn.Connect(testContext(t)), mqtt.ErrClosed)

	err := conn.Publish(testContext(t), "a/b", nil, mqtt.AtMostOnce, false, false)
	assert.ErrorIs(t, err, mqtt.ErrNotConnected)
	assert.ErrorIs(t, err, mqtt.ErrClosed)
	assert.Equal(t, 1, b.Dials())
}

func TestCloseWithoutConnect(t *testing.T) {
	conn := newClient(t, broker.New(), "idle")
	called := false
	conn.AddBeforeDisconnect(func(context.Context, *mqtt.Connection) error {
		called = true
		return nil
	})
	conn.AddOnDisconnect(func(context.Context, *mqtt.Connection, error) error {
		called = true
		return nil
	})

	require.NoError(t, conn.Close())
	<-conn.Done()
	assert.False(t, called)
	assert.Equal(t, mqtt.StateClosed, conn.State())
}

func TestConnectDialFailure(t *testing.T) {
	b := broker.New()
	b.FailDials(1)
	conn := newClient(t, b, "dialfail")

	err := conn.Connect(testContext(t))
	assert.ErrorIs(t, err, mqtt.ErrTransport)
	assert.ErrorIs(t, err, broker.ErrDialFailed)
	assert.Equal(t, mqtt.StateDisconnected, conn.State())

	connect(t, conn)
	assert.Equal(t, 2, b.Dials())
}

func TestConnectRefused(t *testing.T) {
	b := broker.New()
	b.Refuse(0x05)
	conn := newClient(t, b, "refused")

	require.NoError(t, conn.Connect(testContext(t)))
	err := conn.AwaitConnection(testContext(t))
	assert.ErrorIs(t, err, mqtt.ErrConnectRefused)

	var code mqtt.ReasonCode
	require.True(t, errors.As(err, &code))
	assert.Equal(t, mqtt.ReasonCode(0x05), code)
	assert.Equal(t, mqtt.StateDisconnected, conn.State())
}

func TestConnectRefusedReportedAfterSettle(t *testing.T) {
	b := broker.New()
	b.Refuse(0x04)
	conn := newClient(t, b, "refused-late")

	require.NoError(t, conn.Connect(testContext(t)))
	eventually(t, func() bool { return conn.State() == mqtt.StateDisconnected }, "refusal not processed")

	err := conn.AwaitConnection(testContext(t))
	assert.ErrorIs(t, err, mqtt.ErrConnectRefused)
	var code mqtt.ReasonCode
	require.True(t, errors.As(err, &code))
	assert.Equal(t, mqtt.ReasonCode(0x04), code)

	err = conn.ConnectAndWait(testContext(t))
	assert.ErrorIs(t, err, mqtt.ErrConnectRefused)
	assert.Equal(t, 2, b.Dials())
}

func waitDone(t *testing.T, conn *mqtt.Connection) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("close did not finish (state=%s)", conn.State())
	}
}

func TestCloseFromHandler(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "handler-close")
	rec := &recorder{}
	conn.AddBeforeDisconnect(func(context.Context, *mqtt.Connection) error {
		rec.add("before")
		return nil
	})
	conn.AddOnDisconnect(func(_ context.Context, _ *mqtt.Connection, cause error) error {
		assert.NoError(t, cause)
		rec.add("disconnect")
		return nil
	})
	connect(t, conn)

	closed := make(chan error, 1)
	_, err := conn.Subscribe(testContext(t), "cmd/#", func(_ context.Context, c *mqtt.Connection, _ mqtt.Message) error {
		closed <- c.Close()
		rec.add("handler")
		return nil
	}, mqtt.AtMostOnce)
	require.NoError(t, err)

	b.Inject(transport.Publish{Topic: "cmd/stop", Payload: []byte("now")})
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Close from a handler did not return")
	}
	waitDone(t, conn)

	assert.Equal(t, mqtt.StateClosed, conn.State())
	assert.Equal(t, []string{"handler", "before", "disconnect"}, rec.list())
	assert.Len(t, b.ReceivedOf("handler-close", transport.KindDisconnect), 1)
	assert.ErrorIs(t, conn.Close(), mqtt.ErrClosed)
}

func TestCloseFromOnConnect(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "connect-close")
	rec := &recorder{}
	closed := make(chan error, 1)
	conn.AddOnConnect(func(_ context.Context, c *mqtt.Connection, _ bool) error {
		rec.add("c1")
		closed <- c.Close()
		return nil
	})
	conn.AddOnConnect(func(context.Context, *mqtt.Connection, bool) error {
		rec.add("c2")
		return nil
	})
	conn.AddBeforeDisconnect(func(context.Context, *mqtt.Connection) error {
		rec.add("b1")
		return nil
	})
	conn.AddOnDisconnect(func(context.Context, *mqtt.Connection, error) error {
		rec.add("d1")
		return nil
	})

	require.NoError(t, conn.Connect(testContext(t)))
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Close from on_connect did not return")
	}
	waitDone(t, conn)

	assert.Equal(t, mqtt.StateClosed, conn.State())
	assert.Equal(t, []string{"c1", "c2", "b1", "d1"}, rec.list())
	assert.False(t, b.Connected("connect-close"))
}

func TestConnectCancelledByClose(t *testing.T) {
	b := broker.New()
	entered := make(chan struct{})
	b.OnDial(func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})
	conn := newClient(t, b, "cancelled")

	errc := make(chan error, 1)
	go func() { errc <- conn.Connect(context.Background()) }()
	<-entered
	require.NoError(t, conn.Close())

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Connect did not return after Close")
	}
	assert.Equal(t, mqtt.StateClosed, conn.State())
}

func TestPublishNotConnected(t *testing.T) {
	conn := newClient(t, broker.New(), "offline")
	err := conn.Publish(testContext(t), "a/b", []byte("x"), mqtt.AtLeastOnce, false, true)
	assert.ErrorIs(t, err, mqtt.ErrNotConnected)
	assert.NotErrorIs(t, err, mqtt.ErrClosed)
}

func TestPublishValidation(t *testing.T) {
	conn := newClient(t, broker.New(), "validate")
	connect(t, conn)

	assert.ErrorIs(t, conn.Publish(testContext(t), "a/+", nil, mqtt.AtMostOnce, false, false), mqtt.ErrInvalidTopic)
	assert.ErrorIs(t, conn.Publish(testContext(t), "a/b", nil, mqtt.QualityOfService(3), false, false), mqtt.ErrInvalidQoS)

	_, err := conn.Subscribe(testContext(t), "a/#/b", newInbox().handle, mqtt.AtMostOnce)
	assert.ErrorIs(t, err, mqtt.ErrInvalidTopic)
	_, err = conn.Subscribe(testContext(t), "a/b", nil, mqtt.AtMostOnce)
	assert.ErrorIs(t, err, mqtt.ErrNilHandler)
}

func TestPublishRoundTrip(t *testing.T) {
	for _, qos := range []mqtt.QualityOfService{mqtt.AtMostOnce, mqtt.AtLeastOnce, mqtt.ExactlyOnce} {
		t.Run(qos.String(), func(t *testing.T) {
			b := broker.New()
			sub := newClient(t, b, "sub")
			pub := newClient(t, b, "pub")
			connect(t, sub)
			connect(t, pub)

			in := newInbox()
			res, err := sub.Subscribe(testContext(t), "sensors/+/temp", in.handle, qos)
			require.NoError(t, err)
			assert.Equal(t, qos, res.GrantedQoS)

			require.NoError(t, pub.Publish(testContext(t), "sensors/kitchen/temp", []byte("21.5"), qos, false, true))

			msg := in.next(t)
			assert.Equal(t, "sensors/kitchen/temp", msg.Topic)
			assert.Equal(t, "21.5", string(msg.Payload))
			assert.Equal(t, qos, msg.QoS)
			assert.False(t, msg.Retain)
			assert.Equal(t, 0, pub.InFlight())
			in.empty(t, 50*time.Millisecond)
		})
	}
}

func TestPublishWaitsForAck(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "waiter")
	connect(t, conn)
	b.HoldAcks()

	errc := make(chan error, 1)
	go func() {
		errc <- conn.Publish(context.Background(), "a/b", []byte("x"), mqtt.ExactlyOnce, false, true)
	}()

	eventually(t, func() bool { return conn.InFlight() == 1 }, "publish not in flight")
	select {
	case err := <-errc:
		t.Fatalf("publish returned before acknowledgment: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	b.ReleaseAcks()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("publish did not complete")
	}
	assert.Equal(t, 0, conn.InFlight())
	assert.Len(t, b.ReceivedOf("waiter", transport.KindPubRel), 1)
}

func TestPublishWithoutWait(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "nowait")
	connect(t, conn)
	b.HoldAcks()

	require.NoError(t, conn.Publish(testContext(t), "a/b", []byte("x"), mqtt.AtLeastOnce, false, false))
	assert.Equal(t, 1, conn.InFlight())

	b.ReleaseAcks()
	eventually(t, func() bool { return conn.InFlight() == 0 }, "record not completed")
}

func TestMaxInflight(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "limited", func(bl *mqtt.Builder) { bl.MaxInflight(1) })
	connect(t, conn)
	b.HoldAcks()

	require.NoError(t, conn.Publish(testContext(t), "a/b", nil, mqtt.AtLeastOnce, false, false))
	err := conn.Publish(testContext(t), "a/b", nil, mqtt.AtLeastOnce, false, false)
	assert.ErrorIs(t, err, mqtt.ErrMaxInflight)
	require.NoError(t, conn.Publish(testContext(t), "a/b", nil, mqtt.AtMostOnce, false, false))
}

func TestDeliveryInterruptedAndResent(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "persistent", func(bl *mqtt.Builder) {
		bl.PersistentSession(true).AutoReconnect(10*time.Millisecond, 50*time.Millisecond)
	})
	connect(t, conn)
	b.HoldAcks()

	errc := make(chan error, 1)
	go func() {
		errc <- conn.Publish(context.Background(), "a/b", []byte("x"), mqtt.AtLeastOnce, false, true)
	}()
	eventually(t, func() bool { return conn.InFlight() == 1 }, "publish not in flight")

	b.DiscardHeldAcks()
	require.True(t, b.Drop("persistent"))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, mqtt.ErrDeliveryInterrupted)
		assert.ErrorIs(t, err, mqtt.ErrTransport)
	case <-time.After(waitTimeout):
		t.Fatal("publish not interrupted")
	}
	b.ReleaseAcks()

	require.NoError(t, conn.AwaitConnection(testContext(t)))
	assert.True(t, conn.SessionResumed())
	eventually(t, func() bool { return conn.InFlight() == 0 }, "record not redelivered")

	publishes := b.ReceivedOf("persistent", transport.KindPublish)
	require.Len(t, publishes, 2)
	first, second := publishes[0].(*transport.Publish), publishes[1].(*transport.Publish)
	assert.False(t, first.Dup)
	assert.True(t, second.Dup)
	assert.Equal(t, first.PacketID, second.PacketID)
}

func TestCleanSessionDiscardsInflight(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "clean", func(bl *mqtt.Builder) {
		bl.AutoReconnect(10*time.Millisecond, 50*time.Millisecond)
	})
	connect(t, conn)
	b.HoldAcks()

	require.NoError(t, conn.Publish(testContext(t), "a/b", nil, mqtt.AtLeastOnce, false, false))
	b.DiscardHeldAcks()
	require.True(t, b.Drop("clean"))
	b.ReleaseAcks()

	eventually(t, func() bool { return b.Dials() == 2 && conn.IsConnected() }, "no reconnect")
	assert.False(t, conn.SessionResumed())
	assert.Equal(t, 0, conn.InFlight())
	for _, p := range b.ReceivedOf("clean", transport.KindPublish) {
		assert.False(t, p.(*transport.Publish).Dup)
	}
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	b := broker.New()
	sub := newClient(t, b, "resub", func(bl *mqtt.Builder) {
		bl.AutoReconnect(10*time.Millisecond, 50*time.Millisecond)
	})
	pub := newClient(t, b, "resub-pub")
	connect(t, sub)
	connect(t, pub)

	in := newInbox()
	_, err := sub.Subscribe(testContext(t), "home/#", in.handle, mqtt.AtLeastOnce)
	require.NoError(t, err)

	causes := make(chan error, 1)
	var once sync.Once
	sub.AddOnDisconnect(func(_ context.Context, _ *mqtt.Connection, cause error) error {
		if cause != nil {
			once.Do(func() { causes <- cause })
		}
		return nil
	})
	require.True(t, b.Drop("resub"))
	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, mqtt.ErrTransport)
	case <-time.After(waitTimeout):
		t.Fatal("on_disconnect not called")
	}

	eventually(t, func() bool {
		subs := b.Subscriptions("resub")
		return sub.IsConnected() && len(subs) == 1 && subs[0] == "home/#"
	}, "subscription not restored")

	require.NoError(t, pub.Publish(testContext(t), "home/hall/light", []byte("on"), mqtt.AtLeastOnce, false, true))
	assert.Equal(t, "home/hall/light", in.next(t).Topic)

	require.NoError(t, sub.Close())
	<-sub.Done()
}

func TestLossWithoutReconnect(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "noretry")
	causes := make(chan error, 2)
	conn.AddOnDisconnect(func(_ context.Context, _ *mqtt.Connection, cause error) error {
		causes <- cause
		return nil
	})
	connect(t, conn)

	require.True(t, b.Drop("noretry"))
	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, broker.ErrDropped)
	case <-time.After(waitTimeout):
		t.Fatal("on_disconnect not called")
	}
	eventually(t, func() bool { return conn.State() == mqtt.StateDisconnected }, "not disconnected")
	assert.Equal(t, 1, b.Dials())

	connect(t, conn)
	assert.Equal(t, 2, b.Dials())

	require.NoError(t, conn.Close())
	<-conn.Done()
	assert.NoError(t, <-causes)
}

func TestReconnectAfterFailedDials(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "retry", func(bl *mqtt.Builder) {
		bl.AutoReconnect(5*time.Millisecond, 20*time.Millisecond)
	})
	reconnects := make(chan bool, 4)
	conn.AddOnConnect(func(_ context.Context, _ *mqtt.Connection, resumed bool) error {
		reconnects <- resumed
		return nil
	})
	connect(t, conn)
	<-reconnects

	b.FailDials(2)
	require.True(t, b.Drop("retry"))

	select {
	case <-reconnects:
	case <-time.After(waitTimeout):
		t.Fatal("did not reconnect")
	}
	assert.Equal(t, 4, b.Dials())
	assert.True(t, conn.IsConnected())
}

func TestCloseCancelsPendingRetry(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "cancelretry", func(bl *mqtt.Builder) {
		bl.AutoReconnect(200*time.Millisecond, 200*time.Millisecond)
	})
	var disconnects int
	var mu sync.Mutex
	conn.AddOnDisconnect(func(context.Context, *mqtt.Connection, error) error {
		mu.Lock()
		disconnects++
		mu.Unlock()
		return nil
	})
	connect(t, conn)

	require.True(t, b.Drop("cancelretry"))
	eventually(t, func() bool { return conn.State() == mqtt.StateReconnecting }, "not reconnecting")
	require.NoError(t, conn.Close())
	<-conn.Done()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, b.Dials())
	assert.Equal(t, mqtt.StateClosed, conn.State())
	mu.Lock()
	assert.Equal(t, 1, disconnects)
	mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "unsub")
	connect(t, conn)

	in := newInbox()
	_, err := conn.Subscribe(testContext(t), "u/#", in.handle, mqtt.AtLeastOnce)
	require.NoError(t, err)

	require.NoError(t, conn.Publish(testContext(t), "u/a", []byte("1"), mqtt.AtLeastOnce, false, true))
	assert.Equal(t, "1", string(in.next(t).Payload))

	require.NoError(t, conn.Unsubscribe(testContext(t), "u/#"))
	assert.Empty(t, b.Subscriptions("unsub"))

	require.NoError(t, conn.Publish(testContext(t), "u/a", []byte("2"), mqtt.AtLeastOnce, false, true))
	in.empty(t, 100*time.Millisecond)
}

func TestOverlappingSubscriptions(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "overlap")
	connect(t, conn)

	rec := &recorder{}
	handler := func(name string) mqtt.MessageHandler {
		return func(context.Context, *mqtt.Connection, mqtt.Message) error {
			rec.add(name)
			return nil
		}
	}
	for _, f := range []string{"o/+", "o/#", "o/a"} {
		_, err := conn.Subscribe(testContext(t), f, handler(f), mqtt.AtMostOnce)
		require.NoError(t, err)
	}

	require.NoError(t, conn.Publish(testContext(t), "o/a", nil, mqtt.AtMostOnce, false, false))
	eventually(t, func() bool { return len(rec.list()) == 3 }, "handlers not called")
	assert.Equal(t, []string{"o/+", "o/#", "o/a"}, rec.list())
}

func TestRetainedRoundTrip(t *testing.T) {
	b := broker.New()
	pub := newClient(t, b, "retain-pub")
	connect(t, pub)

	require.NoError(t, pub.Publish(testContext(t), "status/door", []byte("open"), mqtt.AtLeastOnce, true, true))

	late := newClient(t, b, "retain-late")
	connect(t, late)
	in := newInbox()
	_, err := late.Subscribe(testContext(t), "status/+", in.handle, mqtt.AtLeastOnce)
	require.NoError(t, err)

	msg := in.next(t)
	assert.True(t, msg.Retain)
	assert.Equal(t, "open", string(msg.Payload))

	require.NoError(t, pub.Publish(testContext(t), "status/door", nil, mqtt.AtLeastOnce, true, true))
	_, ok := b.Retained("status/door")
	assert.False(t, ok)

	later := newClient(t, b, "retain-later")
	connect(t, later)
	in2 := newInbox()
	_, err = later.Subscribe(testContext(t), "status/+", in2.handle, mqtt.AtLeastOnce)
	require.NoError(t, err)
	in2.empty(t, 50*time.Millisecond)
}

func TestRetainHandlingSkipsRetained(t *testing.T) {
	b := broker.New()
	b.Inject(transport.Publish{Topic: "r/x", Payload: []byte("kept"), Retain: true})

	conn := newClient(t, b, "rh", func(bl *mqtt.Builder) { bl.ProtocolVersion(mqtt.V5) })
	connect(t, conn)
	in := newInbox()
	_, err := conn.Subscribe(testContext(t), "r/#", in.handle, mqtt.AtMostOnce, mqtt.WithRetainHandling(mqtt.DoNotSendRetained))
	require.NoError(t, err)
	in.empty(t, 50*time.Millisecond)
}

func TestGrantedQoSDowngrade(t *testing.T) {
	b := broker.New()
	b.SetMaxQoS(0)
	conn := newClient(t, b, "downgrade")
	connect(t, conn)

	res, err := conn.Subscribe(testContext(t), "a/b", newInbox().handle, mqtt.ExactlyOnce)
	require.NoError(t, err)
	assert.Equal(t, mqtt.AtMostOnce, res.GrantedQoS)
	assert.Equal(t, byte(0), res.ReasonCode)
}

func TestSubscribeRefused(t *testing.T) {
	b := broker.New()
	b.RejectFilter("secret/#")
	conn := newClient(t, b, "refusedsub")
	connect(t, conn)

	in := newInbox()
	_, err := conn.Subscribe(testContext(t), "secret/#", in.handle, mqtt.AtLeastOnce)
	assert.ErrorIs(t, err, mqtt.ErrSubscribeFailed)

	var code mqtt.ReasonCode
	require.True(t, errors.As(err, &code))
	assert.True(t, code.Failed())

	b.Inject(transport.Publish{Topic: "secret/a", Payload: []byte("x")})
	in.empty(t, 50*time.Millisecond)
}

func TestInboundExactlyOnce(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "qos2in")
	connect(t, conn)

	in := newInbox()
	_, err := conn.Subscribe(testContext(t), "q/#", in.handle, mqtt.ExactlyOnce)
	require.NoError(t, err)

	b.Inject(transport.Publish{Topic: "q/1", Payload: []byte("once"), QoS: 2})
	msg := in.next(t)
	assert.Equal(t, mqtt.ExactlyOnce, msg.QoS)
	in.empty(t, 50*time.Millisecond)

	eventually(t, func() bool { return len(b.ReceivedOf("qos2in", transport.KindPubComp)) == 1 }, "no PUBCOMP")
	assert.Len(t, b.ReceivedOf("qos2in", transport.KindPubRec), 1)
}

func TestAvailability(t *testing.T) {
	b := broker.New()
	conn := newClient(t, b, "avail", func(bl *mqtt.Builder) {
		bl.Availability("devices/avail/status", []byte("online"), []byte("offline"), mqtt.AtLeastOnce, true).
			AutoReconnect(10*time.Millisecond, 50*time.Millisecond)
	})
	status := func() string {
		p, ok := b.Retained("devices/avail/status")
		if !ok {
			return ""
		}
		return string(p.Payload)
	}

	connect(t, conn)
	eventually(t, func() bool { return status() == "online" }, "online not announced")

	require.True(t, b.Drop("avail"))
	eventually(t, func() bool { return status() == "offline" || conn.IsConnected() }, "will not published")
	eventually(t, func() bool { return conn.IsConnected() && status() == "online" }, "online not re-announced")

	require.NoError(t, conn.Close())
	assert.Equal(t, "online", status())
}

func TestHookCanPublishBeforeDisconnect(t *testing.T) {
	b := broker.New()
	observer := newClient(t, b, "observer")
	connect(t, observer)
	in := newInbox()
	_, err := observer.Subscribe(testContext(t), "bye/#", in.handle, mqtt.AtLeastOnce)
	require.NoError(t, err)

	conn := newClient(t, b, "leaving")
	conn.AddBeforeDisconnect(func(ctx context.Context, c *mqtt.Connection) error {
		return c.Publish(ctx, "bye/leaving", []byte("goodbye"), mqtt.AtLeastOnce, false, true)
	})
	connect(t, conn)
	require.NoError(t, conn.Close())

	assert.Equal(t, "goodbye", string(in.next(t).Payload))
}

func TestHookFailuresIsolated(t *testing.T) {
	b := broker.New()
	var mu sync.Mutex
	var reported []error
	conn := newClient(t, b, "isolated", func(bl *mqtt.Builder) {
		bl.OnError(func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		})
	})

	ran := make(chan struct{})
	conn.AddOnConnect(func(context.Context, *mqtt.Connection, bool) error {
		return errors.New("boom")
	})
	conn.AddOnConnect(func(context.Context, *mqtt.Connection, bool) error {
		panic("kaboom")
	})
	conn.AddOnConnect(func(context.Context, *mqtt.Connection, bool) error {
		close(ran)
		return nil
	})
	connect(t, conn)

	select {
	case <-ran:
	case <-time.After(waitTimeout):
		t.Fatal("later hook not called")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	for _, err := range reported {
		var hookErr *mqtt.HookError
		require.True(t, errors.As(err, &hookErr))
		assert.Equal(t, "on_connect", hookErr.Event)
	}
	assert.Contains(t, reported[1].Error(), "kaboom")
}

func TestHandlerErrorKeepsSession(t *testing.T) {
	b := broker.New()
	errs := make(chan error, 1)
	conn := newClient(t, b, "handlererr", func(bl *mqtt.Builder) {
		bl.OnError(func(err error) { errs <- err })
	})
	connect(t, conn)

	_, err := conn.Subscribe(testContext(t), "h/#", func(context.Context, *mqtt.Connection, mqtt.Message) error {
		return errors.New("cannot handle")
	}, mqtt.AtLeastOnce)
	require.NoError(t, err)

	require.NoError(t, conn.Publish(testContext(t), "h/1", nil, mqtt.AtLeastOnce, false, true))
	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "cannot handle")
	case <-time.After(waitTimeout):
		t.Fatal("handler error not reported")
	}
	assert.True(t, conn.IsConnected())
}
