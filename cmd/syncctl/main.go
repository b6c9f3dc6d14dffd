// Command syncctl drives one propagation run and inspects its journal.
// It is a thin cobra command tree over the internal packages; the
// policy of what to tell a user (prompts, GUI) is out of scope, so
// every command here just wires packages together and reports plain
// text on stdout/stderr.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Drive and inspect a csync propagation run",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddGroup(&cobra.Group{ID: "sync", Title: "Sync commands:"})
	root.AddCommand(newRunCmd())
	root.AddCommand(newJournalCmd())
	return root
}
