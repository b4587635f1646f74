package options

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt"
)

var _ IOptions = (*MqttOptions)(nil)

// MqttOptions contains configuration for the MQTT connection. With the
// "mqtt" prefix and viper's key replacer the keys map onto MQTT_HOST,
// MQTT_PORT, MQTT_CLIENT_ID and so on.
type MqttOptions struct {
	ClientID string `json:"client-id" mapstructure:"client-id"`
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`

	// Protocol is 3 (v3.1.1) or 5.
	Protocol int `json:"protocol" mapstructure:"protocol"`

	// KeepAlive is in seconds.
	KeepAlive      int           `json:"keepalive" mapstructure:"keepalive"`
	ConnectTimeout time.Duration `json:"connect-timeout" mapstructure:"connect-timeout"`

	// MinReconnect and MaxReconnect are backoff bounds in seconds; a zero
	// MinReconnect disables reconnection.
	MinReconnect      int  `json:"min-reconnect" mapstructure:"min-reconnect"`
	MaxReconnect      int  `json:"max-reconnect" mapstructure:"max-reconnect"`
	PersistentSession bool `json:"persistent-session" mapstructure:"persistent-session"`

	UseTLS bool   `json:"use-tls" mapstructure:"use-tls"`
	TLSCA  string `json:"tls-ca" mapstructure:"tls-ca"`

	// InsecureSkipVerify controls whether a client verifies the server's certificate chain and host name.
	// If true, TLS accepts any certificate presented by the server and any host name in that certificate.
	// In this mode, TLS is susceptible to man-in-the-middle attacks. This should be used only for testing.
	InsecureSkipVerify bool `json:"insecure-skip-verify" mapstructure:"insecure-skip-verify"`

	// WebSocketPath switches the transport to WebSocket when set.
	WebSocketPath string `json:"websocket-path" mapstructure:"websocket-path"`

	// AvailabilityTopic enables online/offline announcements.
	AvailabilityTopic string `json:"availability-topic" mapstructure:"availability-topic"`

	// TestTopic is the base topic for generated topics; it defaults to
	// "<client-id>/tests".
	TestTopic string `json:"test-topic" mapstructure:"test-topic"`
}

// NewMqttOptions creates a new MqttOptions with default values.
func NewMqttOptions() *MqttOptions {
	return &MqttOptions{
		ClientID:       "simplemqtt",
		Host:           "localhost",
		Port:           mqtt.DefaultPort,
		Protocol:       3,
		KeepAlive:      int(mqtt.DefaultKeepAlive / time.Second),
		ConnectTimeout: mqtt.DefaultConnectTimeout,
		MinReconnect:   1,
		MaxReconnect:   5,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *MqttOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}

	if o.Host == "" {
		errs = append(errs, errors.New("mqtt: host must not be empty"))
	}
	if o.Port <= 0 || o.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt: port %d out of range", o.Port))
	}
	if o.Protocol != 3 && o.Protocol != 5 {
		errs = append(errs, fmt.Errorf("mqtt: protocol must be 3 or 5, got %d", o.Protocol))
	}
	if o.KeepAlive < 0 {
		errs = append(errs, fmt.Errorf("mqtt: keepalive %d must not be negative", o.KeepAlive))
	}
	if o.MinReconnect > 0 && o.MaxReconnect < o.MinReconnect {
		errs = append(errs, fmt.Errorf("mqtt: max-reconnect %d below min-reconnect %d", o.MaxReconnect, o.MinReconnect))
	}

	return errs
}

// AddFlags adds flags for MqttOptions to the specified FlagSet.
func (o *MqttOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := func(name string) string { return flagName(prefixes, "mqtt", name) }

	fs.StringVar(&o.ClientID, p("client-id"), o.ClientID, "MQTT client identifier. Empty generates a random one.")
	fs.StringVar(&o.Host, p("host"), o.Host, "Broker host name.")
	fs.IntVar(&o.Port, p("port"), o.Port, "Broker port.")
	fs.StringVar(&o.Username, p("username"), o.Username, "Username for MQTT authentication.")
	fs.StringVar(&o.Password, p("password"), o.Password, "Password for MQTT authentication.")
	fs.IntVar(&o.Protocol, p("protocol"), o.Protocol, "MQTT protocol version, 3 for 3.1.1 or 5.")

	fs.IntVar(&o.KeepAlive, p("keepalive"), o.KeepAlive, "Keep alive interval in seconds.")
	fs.DurationVar(&o.ConnectTimeout, p("connect-timeout"), o.ConnectTimeout, "Timeout for dialing and CONNACK.")
	fs.IntVar(&o.MinReconnect, p("min-reconnect"), o.MinReconnect, "Initial reconnect delay in seconds. 0 disables reconnection.")
	fs.IntVar(&o.MaxReconnect, p("max-reconnect"), o.MaxReconnect, "Maximum reconnect delay in seconds.")
	fs.BoolVar(&o.PersistentSession, p("persistent-session"), o.PersistentSession, "Ask the broker to keep the session across connections.")

	fs.BoolVar(&o.UseTLS, p("use-tls"), o.UseTLS, "Connect with TLS using the system trust store.")
	fs.StringVar(&o.TLSCA, p("tls-ca"), o.TLSCA, "CA certificate file; implies TLS verified against this CA only.")
	fs.BoolVar(&o.InsecureSkipVerify, p("insecure-skip-verify"), o.InsecureSkipVerify, "If true, skips the TLS certificate verification.")
	fs.StringVar(&o.WebSocketPath, p("websocket-path"), o.WebSocketPath, "Carry MQTT over WebSocket at this path.")

	fs.StringVar(&o.AvailabilityTopic, p("availability-topic"), o.AvailabilityTopic, "Topic for online/offline announcements.")
	fs.StringVar(&o.TestTopic, p("test-topic"), o.TestTopic, "Base topic for generated topics.")
}

// BaseTopic returns TestTopic or "<client-id>/tests".
func (o *MqttOptions) BaseTopic() string {
	if o.TestTopic != "" {
		return o.TestTopic
	}
	return o.ClientID + "/tests"
}

// ToBuilder maps the options onto a connection builder. suffix is appended
// to the client id so several connections of one process stay distinct.
func (o *MqttOptions) ToBuilder(suffix string) *mqtt.Builder {
	id := o.ClientID
	if id != "" && suffix != "" {
		id += "-" + suffix
	}

	b := mqtt.NewBuilder(id, o.Host)
	if o.Protocol == 5 {
		b.ProtocolVersion(mqtt.V5)
	}
	if o.Port != 0 {
		b.Port(o.Port)
	}
	b.KeepAlive(time.Duration(o.KeepAlive) * time.Second)
	if o.ConnectTimeout > 0 {
		b.ConnectTimeout(o.ConnectTimeout)
	}
	if o.Username != "" {
		b.Login(o.Username, o.Password)
	}
	if o.MinReconnect > 0 {
		b.AutoReconnect(time.Duration(o.MinReconnect)*time.Second, time.Duration(o.MaxReconnect)*time.Second)
	}
	b.PersistentSession(o.PersistentSession)

	switch {
	case o.TLSCA != "":
		b.OwnTLS(o.TLSCA)
	case o.UseTLS:
		b.TLS()
	}
	if o.InsecureSkipVerify {
		b.InsecureSkipVerify(true)
	}
	if o.WebSocketPath != "" {
		b.WebSocket(o.WebSocketPath)
	}
	if o.AvailabilityTopic != "" {
		b.Availability(o.AvailabilityTopic, []byte("online"), []byte("offline"), mqtt.AtLeastOnce, true)
	}
	return b
}
