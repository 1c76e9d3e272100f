// Command swapbooth runs the kiosk face-swap service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "swapbooth",
		Short:        "Kiosk face-swap service backed by an image engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a swapbooth.yaml config file")

	root.AddCommand(newServeCmd(&configFile))
	root.AddCommand(newProcessCmd(&configFile))
	return root
}
