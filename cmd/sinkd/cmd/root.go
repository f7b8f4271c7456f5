package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/illmade-knight/go-batchsink/pkg/config"
	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootArgs struct {
	configFile string
}

var cmdRoot = &cobra.Command{
	Use:           "sinkd",
	Short:         "Move records from a topic into a store in size- or time-triggered batches",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cmdRoot.PersistentFlags().StringVarP(&rootArgs.configFile, "config", "c", os.Getenv("SINKD_CONFIG"),
		"YAML configuration file; environment variables override it")
}

// Execute runs the root command. Configuration errors exit with status 2,
// everything else with status 1.
func Execute() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cfgErr *sinkpipeline.ConfigurationError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(rootArgs.configFile)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}
