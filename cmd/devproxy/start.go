package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/devproxy/internal/lifecycle"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy as a detached background process",
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	states, err := lifecycle.NewStateManager("")
	if err != nil {
		return err
	}
	if state, _ := states.Load(); state != nil {
		return fmt.Errorf("a detached instance is already running (pid %d)", state.PID)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	// The child names its own log file and records instance state; the
	// parent only has to launch it and confirm it came up.
	child := exec.Command(exe, "run", "--detached",
		"--config", absConfig,
		"--log-level", logLevel,
		"--log-format", logFormat,
	)
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting detached instance: %w", err)
	}
	pid := child.Process.Pid
	if err := child.Process.Release(); err != nil {
		return fmt.Errorf("detaching instance: %w", err)
	}

	// Wait briefly for the state file to confirm a successful start.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := states.Load(); state != nil && state.PID == pid {
			fmt.Printf("Started devproxy (pid %d) on port %d\n", state.PID, state.Port)
			fmt.Printf("Logs: %s\n", state.LogFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("detached instance (pid %d) did not report ready; check the logs under %s", pid, states.LogsDir())
}
