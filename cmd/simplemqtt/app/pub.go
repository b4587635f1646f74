package app

import (
	"github.com/spf13/cobra"

	"github.com/Dev-CorliJoni/simple-mqtt/cmd/simplemqtt/app/options"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/log"
)

type pubFlags struct {
	qos    int
	retain bool
	noWait bool
}

func newPubCommand(opts *options.Options) *cobra.Command {
	f := &pubFlags{qos: 1}
	cmd := &cobra.Command{
		Use:   "pub TOPIC [PAYLOAD]",
		Short: "Publish one message",
		Long: `Publish one message and wait for the broker to acknowledge it.
An empty retained message clears the retained value of TOPIC.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qos, err := parseQoS(f.qos)
			if err != nil {
				return err
			}
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}

			ctx := cmd.Context()
			conn, err := connect(ctx, opts, "pub")
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			if err := conn.Publish(ctx, args[0], payload, qos, f.retain, !f.noWait); err != nil {
				return err
			}
			log.Info("Published", "topic", args[0], "bytes", len(payload), "qos", qos.String(), "retain", f.retain)
			return nil
		},
	}

	cmd.Flags().IntVarP(&f.qos, "qos", "q", f.qos, "Quality of service (0, 1 or 2).")
	cmd.Flags().BoolVarP(&f.retain, "retain", "r", f.retain, "Publish as retained message.")
	cmd.Flags().BoolVar(&f.noWait, "no-wait", f.noWait, "Return once the message is sent instead of acknowledged.")
	return cmd
}
