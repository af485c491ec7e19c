package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/devproxy/internal/lifecycle"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the detached proxy instance",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	recording := "unknown"
	client := &http.Client{Timeout: 2 * time.Second}
	if resp, err := client.Get(state.APIURL + "/proxy"); err == nil {
		var body struct {
			Recording bool `json:"recording"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			recording = fmt.Sprintf("%t", body.Recording)
		}
		resp.Body.Close()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tPORT\tAPI\tRECORDING\tUPTIME\tCONFIG")
	fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
		state.PID, state.Port, state.APIURL, recording,
		time.Since(state.StartedAt).Round(time.Second), state.ConfigFile)
	return w.Flush()
}
