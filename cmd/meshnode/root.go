package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netflixpp/meshnode/pkg/config"
	"github.com/netflixpp/meshnode/pkg/logger"
	"github.com/netflixpp/meshnode/pkg/output"
)

var (
	configPath   string
	outputFormat string
	logLevel     string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "meshnode",
	Short: "LAN mesh chunk distribution node",
	Long: `meshnode shares content chunks between devices on the same LAN.
Peers find each other over mDNS or a seed list, exchange chunks over a
line-based TCP protocol and track every transfer.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !output.Valid(outputFormat) {
			return fmt.Errorf("unsupported output format %q, expected one of %v", outputFormat, output.Formats)
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if err := logger.Configure(loaded.Log.Level, loaded.Log.File); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

func printOut(data any) {
	fmt.Print(output.NewFormatter(outputFormat).Format(data))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level")
}
