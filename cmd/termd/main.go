package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "termd",
		Short: "termd — multi-user terminal-session server",
		Long:  "Supervises long-lived PTY sessions and multiplexes their I/O to concurrent web clients, with scheduled input injection and activity-based gating.",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(keygenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
