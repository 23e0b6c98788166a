package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Loads .env into the environment before flags are parsed.
	_ "github.com/joho/godotenv/autoload"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tropxd",
	Short: "TropX wearable sensor fleet daemon",
	Long: `Fleet manager for TropX wearable IMU sensors:

- Discover sensors with duty-cycled burst scanning
- Connect fleets over a single-slot BLE transport
- Coordinate fleet-wide streaming with pre-flight validation
- Recover dropped sensors with exponential backoff
- Push orientation and status events to socket.io clients`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML config file")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(serveCmd)
}
