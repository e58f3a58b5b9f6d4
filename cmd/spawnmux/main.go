package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "spawnmux",
	Short:         "spawnmux -- multiplexing subprocess supervisor",
	Long:          "spawnmux runs child processes on behalf of a controlling program and multiplexes their output and exit statuses over a single control socket.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
