package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/Dev-CorliJoni/simple-mqtt/cmd/simplemqtt/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.NewCommand(ctx).Execute(); err != nil {
		stop()
		os.Exit(1)
	}
}
