package mqtt

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Dev-CorliJoni/simple-mqtt/pkg/log"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/tlsconfig"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/topic"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt/transport"
)

// Builder accumulates connection parameters. Setters record invalid values as
// errors that Build and Config report together; they never panic.
//
// A Builder is not safe for concurrent use.
type Builder struct {
	cfg  Config
	errs []error

	portSet bool

	logger      log.Logger
	onError     ErrorHandler
	dialer      transport.Dialer
	tlsProvider tlsconfig.Provider
}

// NewBuilder starts a configuration for clientID at host. An empty clientID is
// replaced by a random one at build time.
func NewBuilder(clientID, host string) *Builder {
	b := &Builder{
		cfg: Config{
			ClientID:        clientID,
			Host:            host,
			Port:            DefaultPort,
			KeepAlive:       DefaultKeepAlive,
			ConnectTimeout:  DefaultConnectTimeout,
			ProtocolVersion: V311,
			MaxInflight:     DefaultMaxInflight,
		},
	}
	if host == "" {
		b.fail("host", errors.New("must not be empty"))
	}
	return b
}

// NewBuilderV5 is NewBuilder with the MQTT 5 protocol selected.
func NewBuilderV5(clientID, host string) *Builder {
	return NewBuilder(clientID, host).ProtocolVersion(V5)
}

func (b *Builder) fail(field string, err error) {
	b.errs = append(b.errs, &ConfigError{Field: field, Err: err})
}

func (b *Builder) Port(port int) *Builder {
	if port <= 0 || port > math.MaxUint16 {
		b.fail("port", fmt.Errorf("%d out of range", port))
		return b
	}
	b.cfg.Port = port
	b.portSet = true
	return b
}

// KeepAlive sets the keep-alive interval in whole seconds, as CONNECT carries
// it. Zero disables keep-alive.
func (b *Builder) KeepAlive(d time.Duration) *Builder {
	if d < 0 || d > math.MaxUint16*time.Second {
		b.fail("keepAlive", fmt.Errorf("%s out of range", d))
		return b
	}
	if d%time.Second != 0 {
		b.fail("keepAlive", fmt.Errorf("%s is not a whole number of seconds", d))
		return b
	}
	b.cfg.KeepAlive = d
	return b
}

func (b *Builder) Login(username, password string) *Builder {
	if username == "" {
		b.fail("username", errors.New("must not be empty"))
		return b
	}
	b.cfg.Username = username
	b.cfg.Password = []byte(password)
	return b
}

// AutoReconnect enables reconnection with exponential backoff between min and max.
func (b *Builder) AutoReconnect(min, max time.Duration) *Builder {
	if min <= 0 || max <= 0 {
		b.fail("reconnect", fmt.Errorf("delays must be positive, got %s and %s", min, max))
		return b
	}
	b.cfg.Reconnect = &ReconnectPolicy{MinDelay: min, MaxDelay: max}
	return b
}

// PersistentSession asks the broker to keep session state across connections.
func (b *Builder) PersistentSession(persistent bool) *Builder {
	b.cfg.PersistentSession = persistent
	return b
}

// SessionExpiry sets the v5 session expiry interval of a persistent session.
func (b *Builder) SessionExpiry(d time.Duration) *Builder {
	if d < 0 || d > math.MaxUint32*time.Second {
		b.fail("sessionExpiry", fmt.Errorf("%s out of range", d))
		return b
	}
	b.cfg.SessionExpiry = d
	return b
}

// TLS verifies the broker against the system trust store.
func (b *Builder) TLS() *Builder {
	b.cfg.TLS.Mode = tlsconfig.System
	b.cfg.TLS.CAFile = ""
	return b
}

// OwnTLS verifies the broker against the CA certificates in caPath only.
func (b *Builder) OwnTLS(caPath string) *Builder {
	if caPath == "" {
		b.fail("tls", errors.New("CA path must not be empty"))
		return b
	}
	b.cfg.TLS.Mode = tlsconfig.CustomCA
	b.cfg.TLS.CAFile = caPath
	return b
}

// ClientCertificate enables mutual TLS.
func (b *Builder) ClientCertificate(certFile, keyFile string) *Builder {
	b.cfg.TLS.CertFile = certFile
	b.cfg.TLS.KeyFile = keyFile
	return b
}

// InsecureSkipVerify disables broker certificate verification.
func (b *Builder) InsecureSkipVerify(skip bool) *Builder {
	b.cfg.TLS.InsecureSkipVerify = skip
	return b
}

// WebSocket carries MQTT over ws, or wss when TLS is enabled.
func (b *Builder) WebSocket(path string) *Builder {
	b.cfg.Scheme = "ws"
	b.cfg.WebSocketPath = path
	return b
}

// Availability registers offline as last will on topic and publishes online
// after every successful connect.
func (b *Builder) Availability(topicName string, online, offline []byte, qos QualityOfService, retain bool) *Builder {
	if err := topic.ValidateTopic(topicName); err != nil {
		b.fail("availability", err)
		return b
	}
	if !qos.Valid() {
		b.fail("availability", fmt.Errorf("%w: %d", ErrInvalidQoS, qos))
		return b
	}
	b.cfg.Availability = &Availability{
		Topic:   topicName,
		Online:  cloneBytes(online),
		Offline: cloneBytes(offline),
		QoS:     qos,
		Retain:  retain,
	}
	return b
}

func (b *Builder) ProtocolVersion(v ProtocolVersion) *Builder {
	if v != V311 && v != V5 {
		b.fail("protocolVersion", fmt.Errorf("unsupported version %d", v))
		return b
	}
	b.cfg.ProtocolVersion = v
	return b
}

// ConnectTimeout bounds dialing plus the wait for CONNACK.
func (b *Builder) ConnectTimeout(d time.Duration) *Builder {
	if d <= 0 {
		b.fail("connectTimeout", fmt.Errorf("%s must be positive", d))
		return b
	}
	b.cfg.ConnectTimeout = d
	return b
}

// MaxInflight limits unacknowledged outbound QoS 1/2 messages.
func (b *Builder) MaxInflight(n int) *Builder {
	if n <= 0 || n > math.MaxUint16 {
		b.fail("maxInflight", fmt.Errorf("%d out of range", n))
		return b
	}
	b.cfg.MaxInflight = n
	return b
}

// Logger sets the connection logger. Defaults to the package-level logger.
func (b *Builder) Logger(l log.Logger) *Builder {
	b.logger = l
	return b
}

// OnError sets the sink for hook and handler failures. Defaults to logging.
func (b *Builder) OnError(h ErrorHandler) *Builder {
	b.onError = h
	return b
}

// Dialer replaces the network transport, mostly for tests.
func (b *Builder) Dialer(d transport.Dialer) *Builder {
	b.dialer = d
	return b
}

// TLSProvider replaces the filesystem TLS provider.
func (b *Builder) TLSProvider(p tlsconfig.Provider) *Builder {
	b.tlsProvider = p
	return b
}

// Config validates the accumulated values and returns an independent snapshot.
func (b *Builder) Config() (Config, error) {
	errs := append([]error(nil), b.errs...)

	cfg := b.cfg.clone()
	if cfg.ClientID == "" {
		cfg.ClientID = "simplemqtt-" + uuid.NewString()
	}
	if !b.portSet && cfg.TLS.Mode != tlsconfig.None {
		cfg.Port = DefaultTLSPort
	}
	if cfg.Scheme == "ws" && cfg.TLS.Mode != tlsconfig.None {
		cfg.Scheme = "wss"
	}
	if r := cfg.Reconnect; r != nil && r.MinDelay > r.MaxDelay {
		errs = append(errs, &ConfigError{
			Field: "reconnect",
			Err:   fmt.Errorf("min delay %s exceeds max delay %s", r.MinDelay, r.MaxDelay),
		})
	}
	if len(cfg.ClientID) > math.MaxUint16 {
		errs = append(errs, &ConfigError{Field: "clientID", Err: errors.New("too long")})
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// Build validates the configuration, resolves TLS and returns a Connection in
// the disconnected state. Build may be called repeatedly; every Connection is
// independent.
func (b *Builder) Build() (*Connection, error) {
	cfg, err := b.Config()
	if err != nil {
		return nil, err
	}

	provider := b.tlsProvider
	if provider == nil {
		provider = tlsconfig.NewProvider()
	}
	tlsCfg, err := provider.ClientConfig(cfg.TLS)
	if err != nil {
		return nil, &ConfigError{Field: "tls", Err: err}
	}

	logger := b.logger
	if logger == nil {
		logger = log.Std()
	}
	dialer := b.dialer
	if dialer == nil {
		dialer = transport.NetDialer{}
	}

	return newConnection(cfg, connectionDeps{
		logger:  logger,
		onError: b.onError,
		dialer:  dialer,
		tls:     tlsCfg,
	}), nil
}
