package main

import (
	"fmt"
	"net/http"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/devproxy/internal/lifecycle"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the detached proxy instance",
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	states, err := lifecycle.NewStateManager("")
	if err != nil {
		return err
	}
	state, err := states.Load()
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Println("No detached instance running")
		return nil
	}

	// Prefer the graceful control API; fall back to SIGTERM.
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Post(state.APIURL+"/proxy/stop", "application/json", nil)
	if err == nil {
		resp.Body.Close()
	} else {
		if err := syscall.Kill(state.PID, syscall.SIGTERM); err != nil {
			return fmt.Errorf("stopping pid %d: %w", state.PID, err)
		}
	}

	// The instance deletes its own state file on the way out.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if remaining, _ := states.Load(); remaining == nil {
			fmt.Printf("Stopped devproxy (pid %d)\n", state.PID)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("instance (pid %d) did not stop in time", state.PID)
}
