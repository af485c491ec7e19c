package main

import (
	"github.com/spf13/cobra"

	"github.com/ferro-labs/devproxy/internal/version"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "devproxy",
	Short: "Interactive API interception proxy",
	Long: `devproxy intercepts requests your application makes to the APIs it
depends on and lets plugins simulate behaviors: mocked responses, rate
limiting, response rewriting, recorded exchange reports.

Which URLs are intercepted and which plugins run is driven by a config
file that hot-reloads while the proxy is running.`,
	Version: version.String(),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "devproxy.json", "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format (json, text)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
