package app

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Dev-CorliJoni/simple-mqtt/cmd/simplemqtt/app/options"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/log"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/mqtt"
)

type subFlags struct {
	qos     int
	verbose bool
}

func newSubCommand(opts *options.Options) *cobra.Command {
	f := &subFlags{qos: 1}
	cmd := &cobra.Command{
		Use:   "sub FILTER...",
		Short: "Print messages matching one or more filters",
		Long: `Subscribe to every FILTER and print matching messages until interrupted.
With --http.addr a metrics and health endpoint is served alongside.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qos, err := parseQoS(f.qos)
			if err != nil {
				return err
			}
			return runSub(cmd.Context(), opts, args, qos, f.verbose, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&f.qos, "qos", "q", f.qos, "Requested quality of service (0, 1 or 2).")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", f.verbose, "Print QoS and retain flag with every message.")
	return cmd
}

func runSub(ctx context.Context, opts *options.Options, filters []string, qos mqtt.QualityOfService, verbose bool, out io.Writer) error {
	conn, err := connect(ctx, opts, "sub")
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	conn.AddOnDisconnect(func(_ context.Context, _ *mqtt.Connection, cause error) error {
		if cause != nil {
			log.Warn("Connection lost, waiting for reconnect", "error", cause.Error())
		}
		return nil
	})

	printMessage := func(_ context.Context, _ *mqtt.Connection, msg mqtt.Message) error {
		if verbose {
			_, err := fmt.Fprintf(out, "%s [qos=%d retain=%t] %s\n", msg.Topic, msg.QoS, msg.Retain, msg.Payload)
			return err
		}
		_, err := fmt.Fprintf(out, "%s %s\n", msg.Topic, msg.Payload)
		return err
	}
	for _, filter := range filters {
		res, err := conn.Subscribe(ctx, filter, printMessage, qos)
		if err != nil {
			return err
		}
		log.Info("Subscribed", "filter", filter, "granted", res.GrantedQoS.String())
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.HttpOptions.Enabled() {
		srv := newServer(opts.HttpOptions, conn)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}
