package options

import (
	"errors"

	"github.com/spf13/pflag"

	"github.com/Dev-CorliJoni/simple-mqtt/pkg/log"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/options"
)

type Options struct {
	MqttOptions *options.MqttOptions `json:"mqtt" mapstructure:"mqtt"`
	HttpOptions *options.HttpOptions `json:"http" mapstructure:"http"`
	Log         *log.Options         `json:"log" mapstructure:"log"`

	// ConfigFile is read by viper and watched for log level changes.
	ConfigFile string `json:"-" mapstructure:"-"`
}

func NewOptions() *Options {
	return &Options{
		MqttOptions: options.NewMqttOptions(),
		HttpOptions: options.NewHttpOptions(),
		Log:         log.NewOptions(),
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "Path to a YAML, JSON or TOML configuration file.")
	o.MqttOptions.AddFlags(fs)
	o.HttpOptions.AddFlags(fs)
	o.Log.AddFlags(fs)
}

func (o *Options) Validate() error {
	errs := []error{}
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return errors.Join(errs...)
}
