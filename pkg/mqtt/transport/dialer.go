package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const defaultConnectTimeout = 10 * time.Second

// NetDialer opens Transports over the network.
type NetDialer struct {
	// Header is sent with the WebSocket upgrade request.
	Header http.Header
}

var _ Dialer = NetDialer{}

// Open dials opts.Address and returns a running Transport. The connect timeout
// bounds dialing and the TLS or WebSocket handshake.
func (d NetDialer) Open(ctx context.Context, opts Options) (Transport, error) {
	c, err := newCodec(opts.ProtocolVersion)
	if err != nil {
		return nil, err
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var conn net.Conn
	switch scheme := opts.scheme(); scheme {
	case "tcp", "mqtt":
		var nd net.Dialer
		conn, err = nd.DialContext(ctx, "tcp", opts.Address)
	case "tls", "ssl", "mqtts":
		td := tls.Dialer{Config: opts.TLSConfig}
		conn, err = td.DialContext(ctx, "tcp", opts.Address)
	case "ws", "wss":
		conn, err = d.dialWebSocket(ctx, scheme, opts)
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Address, err)
	}

	opts.Logger.V(1).Info("Transport opened", "address", opts.Address, "scheme", opts.scheme())
	return newStreamTransport(conn, c, opts), nil
}

func (d NetDialer) dialWebSocket(ctx context.Context, scheme string, opts Options) (net.Conn, error) {
	path := opts.Path
	if path == "" {
		path = "/mqtt"
	}
	u := url.URL{Scheme: scheme, Host: opts.Address, Path: path}

	wd := websocket.Dialer{
		Proxy:           websocket.DefaultDialer.Proxy,
		TLSClientConfig: opts.TLSConfig,
		Subprotocols:    []string{"mqtt"},
	}
	ws, resp, err := wd.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return newWSConn(ws), nil
}
