package main

import (
	"os"

	// Register built-in plugins so they can be loaded from config.
	_ "github.com/ferro-labs/devproxy/internal/plugins/mocks"
	_ "github.com/ferro-labs/devproxy/internal/plugins/ratelimit"
	_ "github.com/ferro-labs/devproxy/internal/plugins/rewrite"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
