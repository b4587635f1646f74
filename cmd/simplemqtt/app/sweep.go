package app

import (
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/Dev-CorliJoni/simple-mqtt/cmd/simplemqtt/app/options"
	"github.com/Dev-CorliJoni/simple-mqtt/internal/sweeper"
	"github.com/Dev-CorliJoni/simple-mqtt/pkg/log"
)

func newSweepCommand(opts *options.Options) *cobra.Command {
	so := sweeper.Options{}
	cmd := &cobra.Command{
		Use:   "sweep [TOPIC...]",
		Short: "Clear retained messages",
		Long: `Clear the retained messages of every TOPIC, the base test topic and the
availability topic through a dedicated connection, then probe the broker and
clear whatever survived once more.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mo := opts.MqttOptions
			targets := append([]string{mo.BaseTopic()}, args...)
			if mo.AvailabilityTopic != "" {
				targets = append(targets, mo.AvailabilityTopic)
			}

			// The sweeper must not announce availability itself.
			sweepOpts := *mo
			sweepOpts.AvailabilityTopic = ""
			b := sweepOpts.ToBuilder("sweep").Logger(log.Std())

			report, err := sweeper.Sweep(cmd.Context(), b, log.Std(), so, targets)
			if err != nil {
				return err
			}

			table := uitable.New()
			table.MaxColWidth = 80
			table.AddRow("TOPIC", "LEFTOVER", "RECLEARED", "ERROR")
			for _, r := range report.Results {
				errText := ""
				if r.Err != nil {
					errText = r.Err.Error()
				}
				table.AddRow(r.Topic, r.Leftover, r.Recleared, errText)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d topics swept in %s, %d needed a second clear, %d failed\n",
				len(report.Results), report.Duration.Round(time.Millisecond), len(report.Leftovers()), report.Failed())
			return nil
		},
	}

	cmd.Flags().DurationVar(&so.Settle, "settle", sweeper.DefaultSettle, "Pause between clearing and probing.")
	cmd.Flags().DurationVar(&so.ProbeWindow, "probe-window", sweeper.DefaultProbeWindow, "How long retained deliveries are collected.")
	cmd.Flags().IntVar(&so.Concurrency, "concurrency", sweeper.DefaultConcurrency, "Parallel publishes and subscribes.")
	return cmd
}
