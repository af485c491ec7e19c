package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/devproxy/internal/cert"
	"github.com/ferro-labs/devproxy/internal/lifecycle"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Print the interception root certificate (PEM)",
	RunE:  runCert,
}

func init() {
	rootCmd.AddCommand(certCmd)
}

func runCert(cmd *cobra.Command, args []string) error {
	states, err := lifecycle.NewStateManager("")
	if err != nil {
		return err
	}
	pem, err := cert.NewProvider(states.Dir()).RootCertPEM()
	if err != nil {
		return err
	}
	fmt.Print(string(pem))
	return nil
}
