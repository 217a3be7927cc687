package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetcore",
	Short: "fleetcore manages a self-hosted CI runner fleet",
	Long: `fleetcore keeps a dedicated and elastic pool of self-hosted CI runner
containers alive for a set of repositories: it scales dynamic runners up
under saturation and back down when idle, repairs drifted or unhealthy
workers, and coordinates exactly one active decision-maker across
replicas via a distributed lease.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fleetcore version %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}
