// Command palr-monitor watches a gear's MQTT topics and prints state,
// stats, and command traffic to the terminal, styled with the palr CLI
// theme.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "palr-monitor",
		Short: "Watch a gear's state/stats/command traffic over MQTT",
	}
	root.AddCommand(newWatchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
