package options

import (
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HttpOptions)(nil)

// HttpOptions configures the optional observability server of the CLI. An
// empty Addr disables it.
type HttpOptions struct {
	// Addr is the bind address of the server.
	Addr string `json:"addr" mapstructure:"addr"`

	// MetricsPath is where prometheus metrics are served.
	MetricsPath string `json:"metrics-path" mapstructure:"metrics-path"`

	// ReadHeaderTimeout bounds how long a client may take to send headers.
	ReadHeaderTimeout time.Duration `json:"read-header-timeout" mapstructure:"read-header-timeout"`

	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`
}

// NewHttpOptions creates a HttpOptions object with default parameters.
func NewHttpOptions() *HttpOptions {
	return &HttpOptions{
		MetricsPath:       "/metrics",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

func (o *HttpOptions) Enabled() bool { return o != nil && o.Addr != "" }

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *HttpOptions) Validate() []error {
	if !o.Enabled() {
		return nil
	}

	errors := []error{}

	if err := ValidateAddress(o.Addr); err != nil {
		errors = append(errors, err)
	}

	return errors
}

// AddFlags adds the HTTP server flags to the specified FlagSet.
func (o *HttpOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := func(name string) string { return flagName(prefixes, "http", name) }
	fs.StringVar(&o.Addr, p("addr"), o.Addr, "Bind address of the metrics and health server, e.g. 127.0.0.1:9090. Empty disables it.")
	fs.StringVar(&o.MetricsPath, p("metrics-path"), o.MetricsPath, "Path serving prometheus metrics.")
	fs.DurationVar(&o.ReadHeaderTimeout, p("read-header-timeout"), o.ReadHeaderTimeout, "Timeout for reading request headers.")
	fs.DurationVar(&o.ShutdownTimeout, p("shutdown-timeout"), o.ShutdownTimeout, "Timeout for graceful server shutdown.")
}
