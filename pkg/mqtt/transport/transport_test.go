package transport

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecConnectFields(t *testing.T) {
	for _, version := range []byte{V311, V5} {
		c, err := newCodec(version)
		require.NoError(t, err)

		in := &Connect{
			ClientID:   "client-1",
			Username:   "user",
			Password:   []byte("secret"),
			KeepAlive:  30,
			CleanStart: true,
			Will:       &Will{Topic: "dev/status", Payload: []byte("offline"), QoS: 1, Retain: true},
		}
		if version == V5 {
			in.SessionExpiry = 120
		}

		var buf bytes.Buffer
		require.NoError(t, c.encode(&buf, in))
		out, err := c.decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, in, out, "version %d", version)
	}
}

func TestCodecPublishFlags(t *testing.T) {
	for _, version := range []byte{V311, V5} {
		c, _ := newCodec(version)
		in := &Publish{Topic: "a/b", Payload: []byte("x"), QoS: 2, Retain: true, Dup: true, PacketID: 7}

		var buf bytes.Buffer
		require.NoError(t, c.encode(&buf, in))
		out, err := c.decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, in, out, "version %d", version)
	}
}

func TestCodecRejectsUnknownVersion(t *testing.T) {
	_, err := newCodec(3)
	assert.Error(t, err)
}

// peer is the broker side of a piped stream.
type peer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	c    codec
}

func newPipe(t *testing.T, opts Options) (*streamTransport, *peer) {
	t.Helper()
	client, server := net.Pipe()
	c, err := newCodec(opts.ProtocolVersion)
	require.NoError(t, err)

	tr := newStreamTransport(client, c, opts)
	t.Cleanup(func() {
		_ = tr.Close()
		_ = server.Close()
	})
	return tr, &peer{t: t, conn: server, r: bufio.NewReader(server), c: c}
}

func (p *peer) read() Packet {
	p.t.Helper()
	pkt, err := p.c.decode(p.r)
	require.NoError(p.t, err)
	return pkt
}

func (p *peer) write(pkt Packet) {
	p.t.Helper()
	require.NoError(p.t, p.c.encode(p.conn, pkt))
}

func nextEvent(t *testing.T, tr Transport) Packet {
	t.Helper()
	select {
	case p, ok := <-tr.Events():
		require.True(t, ok, "events closed")
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestStreamDeliversInboundPackets(t *testing.T) {
	tr, srv := newPipe(t, Options{ProtocolVersion: V311})

	go func() { _ = tr.Send(&Connect{ClientID: "c1", CleanStart: true}) }()
	connect := srv.read().(*Connect)
	assert.Equal(t, "c1", connect.ClientID)

	srv.write(&ConnAck{SessionPresent: true})
	ack := nextEvent(t, tr).(*ConnAck)
	assert.True(t, ack.SessionPresent)
}

func TestStreamLostIsLastEvent(t *testing.T) {
	tr, srv := newPipe(t, Options{ProtocolVersion: V311})

	srv.write(&PubAck{PacketID: 3})
	require.NoError(t, srv.conn.Close())

	assert.Equal(t, KindPubAck, nextEvent(t, tr).Kind())
	lost, ok := nextEvent(t, tr).(*Lost)
	require.True(t, ok)
	assert.Error(t, lost.Err)

	_, open := <-tr.Events()
	assert.False(t, open)
	assert.ErrorIs(t, tr.Send(&PingReq{}), ErrClosed)
}

func TestStreamServerDisconnect(t *testing.T) {
	tr, srv := newPipe(t, Options{ProtocolVersion: V5})

	srv.write(&Disconnect{ReasonCode: 0x8E})
	lost := nextEvent(t, tr).(*Lost)
	assert.ErrorIs(t, lost.Err, ErrServerDisconnect)
}

func TestStreamCloseEmitsNoLost(t *testing.T) {
	tr, _ := newPipe(t, Options{ProtocolVersion: V311})

	require.NoError(t, tr.Close())
	_, open := <-tr.Events()
	assert.False(t, open)
}

func TestStreamKeepAlive(t *testing.T) {
	tr, srv := newPipe(t, Options{ProtocolVersion: V311, KeepAlive: 40 * time.Millisecond, PingTimeout: time.Second})

	_, ok := srv.read().(*PingReq)
	require.True(t, ok)
	srv.write(&PingResp{})
	srv.write(&PubAck{PacketID: 1})

	// PINGRESP is consumed by the transport.
	assert.Equal(t, KindPubAck, nextEvent(t, tr).Kind())
}

func TestStreamPingTimeout(t *testing.T) {
	tr, srv := newPipe(t, Options{ProtocolVersion: V311, KeepAlive: 20 * time.Millisecond, PingTimeout: 30 * time.Millisecond})

	go func() {
		for {
			if _, err := srv.c.decode(srv.r); err != nil {
				return
			}
		}
	}()

	lost := nextEvent(t, tr).(*Lost)
	assert.ErrorIs(t, lost.Err, ErrPingTimeout)
}

func TestNetDialerTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		r := bufio.NewReader(conn)
		if _, err := (v311Codec{}).decode(r); err != nil {
			return
		}
		_ = (v311Codec{}).encode(conn, &ConnAck{})
	}()

	tr, err := NetDialer{}.Open(context.Background(), Options{Address: ln.Addr().String(), ProtocolVersion: V311})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(&Connect{ClientID: "tcp"}))
	assert.Equal(t, KindConnAck, nextEvent(t, tr).Kind())
}

func TestNetDialerRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NetDialer{}.Open(context.Background(), Options{Address: addr, ConnectTimeout: time.Second})
	assert.Error(t, err)
}

func TestNetDialerUnknownScheme(t *testing.T) {
	_, err := NetDialer{}.Open(context.Background(), Options{Scheme: "quic", Address: "localhost:1"})
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestNetDialerWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"mqtt"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := newWSConn(ws)
		defer conn.Close()

		pkt, err := (v5Codec{}).decode(bufio.NewReader(conn))
		if err != nil {
			return
		}
		if c, ok := pkt.(*Connect); ok && c.ClientID == "ws" {
			_ = (v5Codec{}).encode(conn, &ConnAck{SessionPresent: true})
		}
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	tr, err := NetDialer{}.Open(context.Background(), Options{
		Scheme:          "ws",
		Address:         strings.TrimPrefix(srv.URL, "http://"),
		ProtocolVersion: V5,
	})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(&Connect{ClientID: "ws", CleanStart: true}))
	ack := nextEvent(t, tr).(*ConnAck)
	assert.True(t, ack.SessionPresent)
}
