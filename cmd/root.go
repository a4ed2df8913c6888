package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/radiotrack/cmd/index"
	"github.com/tphakala/radiotrack/cmd/monitor"
	"github.com/tphakala/radiotrack/internal/conf"
	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/logger"
)

// RootCommand creates and returns the root command
func RootCommand(version string) *cobra.Command {
	var configFile string
	loader := conf.NewLoader(viper.GetViper())

	rootCmd := &cobra.Command{
		Use:           "radiotrack",
		Short:         "Radio stream track recognition",
		Long:          "Monitor network radio streams and recognise tracks from a fingerprinted music library.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, &configFile); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		monitor.Command(loader),
		index.Command(loader),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return initialize(loader, configFile, version)
	}

	return rootCmd
}

// initialize loads settings and sets up logging and error telemetry before
// any subcommand runs.
func initialize(loader *conf.Loader, configFile, version string) error {
	settings, err := loader.Load(configFile)
	if err != nil {
		return err
	}

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	log := central.Module("main")
	log.Info("configuration loaded", logger.String("file", loader.ConfigFile()), logger.String("version", version))

	if settings.Sentry.Enabled {
		if err := errors.InitSentry(settings.Sentry.DSN, "radiotrack@"+version); err != nil {
			log.Warn("error telemetry disabled", logger.Error(err))
		}
	}
	return nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	rootCmd.PersistentFlags().StringVarP(configFile, "config", "c", "", "Path to config file (default: search ., ~/.config/radiotrack, /etc/radiotrack)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().String("library", "", "Music library directory to fingerprint")

	for key, flag := range map[string]string{
		"debug":               "debug",
		"indexer.librarypath": "library",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}
	return nil
}
