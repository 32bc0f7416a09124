// cmd/version.go
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is the application version.
// This value is intended to be set at build time using ldflags.
// Example: go build -ldflags "-X github.com/okibara/wayfind/cmd.Version=1.0.0"
var Version = "0.1.0-dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the wayfind version.",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("wayfind %s\n", Version)
		},
	}
}
