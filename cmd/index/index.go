package index

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tphakala/radiotrack/internal/app"
	"github.com/tphakala/radiotrack/internal/conf"
	"github.com/tphakala/radiotrack/internal/logger"
)

// Command creates the command that runs one library index cycle.
func Command(loader *conf.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Fingerprint the music library once",
		Long:  "Remove tracks whose files are gone, fingerprint new or changed files and print the cycle report as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(loader)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Global().Module("main").Error("shutdown", logger.Error(err))
				}
			}()

			report, err := a.RunIndex(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
