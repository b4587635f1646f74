// Package tlsconfig turns the security settings of a connection into a
// *tls.Config.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	ErrLoadCA      = errors.New("failed to load CA certificate")
	ErrAppendCA    = errors.New("no certificates found in CA file")
	ErrLoadKeyPair = errors.New("failed to load client certificate")
	ErrUnknownMode = errors.New("unknown tls mode")
	ErrMissingCA   = errors.New("custom CA mode requires a CA file")
	ErrHalfKeyPair = errors.New("client certificate and key must be set together")
)

// Mode selects how the broker certificate is verified.
type Mode int

const (
	// None disables TLS.
	None Mode = iota
	// System verifies against the platform trust store.
	System
	// CustomCA verifies against the CA certificates in Options.CAFile only.
	CustomCA
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case System:
		return "system"
	case CustomCA:
		return "custom-ca"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Options are the TLS settings of one connection.
type Options struct {
	Mode   Mode
	CAFile string

	// CertFile and KeyFile enable client certificate authentication.
	CertFile string
	KeyFile  string

	ServerName         string
	InsecureSkipVerify bool
}

// Provider resolves Options into a client configuration. A nil config with a
// nil error means plain TCP.
type Provider interface {
	ClientConfig(opts Options) (*tls.Config, error)
}

// FileProvider reads certificate material from the filesystem.
type FileProvider struct {
	// ReadFile defaults to os.ReadFile.
	ReadFile func(name string) ([]byte, error)
}

var _ Provider = FileProvider{}

// NewProvider returns the default filesystem Provider.
func NewProvider() Provider {
	return FileProvider{}
}

func (p FileProvider) ClientConfig(opts Options) (*tls.Config, error) {
	if opts.Mode == None {
		return nil, nil
	}
	if opts.Mode != System && opts.Mode != CustomCA {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(opts.Mode))
	}

	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}

	if opts.Mode == CustomCA {
		if opts.CAFile == "" {
			return nil, ErrMissingCA
		}
		pem, err := p.read(opts.CAFile)
		if err != nil {
			return nil, errors.Join(ErrLoadCA, err)
		}
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: %s", ErrAppendCA, opts.CAFile)
		}
	}

	if (opts.CertFile == "") != (opts.KeyFile == "") {
		return nil, ErrHalfKeyPair
	}
	if opts.CertFile != "" {
		certPEM, err := p.read(opts.CertFile)
		if err != nil {
			return nil, errors.Join(ErrLoadKeyPair, err)
		}
		keyPEM, err := p.read(opts.KeyFile)
		if err != nil {
			return nil, errors.Join(ErrLoadKeyPair, err)
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, errors.Join(ErrLoadKeyPair, err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

func (p FileProvider) read(name string) ([]byte, error) {
	if p.ReadFile != nil {
		return p.ReadFile(name)
	}
	return os.ReadFile(name)
}

// Describe returns a short log-friendly summary of a client config.
func Describe(c *tls.Config) string {
	switch {
	case c == nil:
		return "no TLS"
	case c.InsecureSkipVerify:
		return "TLS (verification disabled)"
	case c.RootCAs != nil:
		return "TLS (custom CA)"
	default:
		return "TLS (system roots)"
	}
}
