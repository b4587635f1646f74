package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Dev-CorliJoni/simple-mqtt/cmd/simplemqtt/app/options"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/log"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt"
)

const (
	commandName = "simplemqtt"
	commandDesc = `simplemqtt publishes, subscribes and cleans up retained messages on an
MQTT broker. Every flag can also be set through the environment, e.g.
MQTT_HOST, MQTT_PORT or MQTT_CLIENT_ID, or through a configuration file.`
)

func NewCommand(ctx context.Context) *cobra.Command {
	opts := options.NewOptions()
	v := viper.New()

	cmd := &cobra.Command{
		Use:          commandName,
		Short:        "A small MQTT client",
		Long:         commandDesc,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return load(cmd, v, opts)
		},
	}
	cmd.SetContext(ctx)
	opts.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newPubCommand(opts),
		newSubCommand(opts),
		newSweepCommand(opts),
	)
	return cmd
}

// load merges flags, MQTT_* environment variables and the config file into
// opts and installs the logger.
func load(cmd *cobra.Command, v *viper.Viper, opts *options.Options) error {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if err := v.Unmarshal(opts); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	log.Init(opts.Log)
	if opts.ConfigFile != "" {
		watchLogLevel(v)
	}
	return nil
}

func watchLogLevel(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		level := v.GetString("log.level")
		if err := log.SetLevel(level); err != nil {
			log.Error(err, "Failed to apply log level", "file", e.Name, "level", level)
			return
		}
		log.Info("Log level changed", "file", e.Name, "level", level)
	})
	v.WatchConfig()
}

// connect builds and opens a connection named after the subcommand.
func connect(ctx context.Context, opts *options.Options, name string) (*mqtt.Connection, error) {
	conn, err := opts.MqttOptions.ToBuilder(name).Logger(log.Std()).Build()
	if err != nil {
		return nil, err
	}
	if err := conn.ConnectAndWait(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", conn.Config().Address(), err)
	}
	return conn, nil
}

func parseQoS(q int) (mqtt.QualityOfService, error) {
	qos := mqtt.QualityOfService(q)
	if q < 0 || !qos.Valid() {
		return 0, fmt.Errorf("%w: %d", mqtt.ErrInvalidQoS, q)
	}
	return qos, nil
}
