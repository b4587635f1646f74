package mqtt_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Dev-CorliJoni/simple-mqtt/internal/testutil/broker"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/log"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt"
)

const waitTimeout = 2 * time.Second

func newClient(t *testing.T, b *broker.Broker, clientID string, configure ...func(*mqtt.Builder)) *mqtt.Connection {
	t.Helper()
	builder := mqtt.NewBuilder(clientID, "broker.test").
		Dialer(b).
		Logger(log.NewNopLogger())
	for _, fn := range configure {
		fn(builder)
	}
	conn, err := builder.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func connect(t *testing.T, conn *mqtt.Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, conn.ConnectAndWait(ctx))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 5*time.Millisecond, msg)
}

// inbox collects delivered messages.
type inbox struct {
	ch chan mqtt.Message
}

func newInbox() *inbox { return &inbox{ch: make(chan mqtt.Message, 64)} }

func (i *inbox) handle(_ context.Context, _ *mqtt.Connection, msg mqtt.Message) error {
	i.ch <- msg
	return nil
}

func (i *inbox) next(t *testing.T) mqtt.Message {
	t.Helper()
	select {
	case msg := <-i.ch:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("no message delivered")
		return mqtt.Message{}
	}
}

func (i *inbox) empty(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-i.ch:
		t.Fatalf("unexpected message on %s", msg.Topic)
	case <-time.After(d):
	}
}

// recorder keeps an ordered log of hook invocations.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}
