// Package options holds the option groups shared by the command-line tools.
// Each group binds pflag flags, carries mapstructure tags for viper and
// validates itself.
package options

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/pflag"
)

// IOptions is implemented by every option group.
type IOptions interface {
	Validate() []error
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}

// ValidateAddress checks a host:port pair. An empty host binds every interface.
func ValidateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%q is not a valid address: %w", addr, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%q has an invalid port", addr)
	}
	return nil
}

// flagName returns group.name, where a non-empty first prefix replaces group.
func flagName(prefixes []string, group, name string) string {
	if len(prefixes) > 0 && prefixes[0] != "" {
		group = prefixes[0]
	}
	return group + "." + name
}
