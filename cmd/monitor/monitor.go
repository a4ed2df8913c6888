package monitor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/radiotrack/internal/app"
	"github.com/tphakala/radiotrack/internal/conf"
	"github.com/tphakala/radiotrack/internal/logger"
)

// Command creates the command that monitors all configured streams.
func Command(loader *conf.Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Monitor radio streams for known tracks",
		Long:  "Connect to every enabled stream, match decoded audio against the fingerprint index and publish detections.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, loader)
		},
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func run(ctx context.Context, loader *conf.Loader) error {
	a, err := app.New(loader)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Global().Module("main").Error("shutdown", logger.Error(err))
		}
	}()
	return a.RunMonitor(ctx)
}

// setupFlags configures flags specific to the monitor command.
func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("listen", "", "Listen address of the status and metrics API")
	cmd.Flags().Bool("api", true, "Serve the status and metrics API")
	cmd.Flags().Bool("index", true, "Periodically index the music library")

	// Bind flags to the viper settings
	for key, flag := range map[string]string{
		"api.listen":      "listen",
		"api.enabled":     "api",
		"indexer.enabled": "index",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}
	return nil
}
