package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

var rootCmd = &cobra.Command{
	Use:   "loadzone",
	Short: "LoadZone - exclusive resource leasing with waitlists",
	Long: `LoadZone leases exclusive-use compute resources for a bounded time
window, keeps a FIFO waitlist per resource, and reclaims leases
automatically when they expire.`,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func main() {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("LOADZONE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	)
	setDaemonLogger(logger)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
