package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configFile is shared by every subcommand the way nova's cmd package
// shares redisAddr/configFile across register/daemon/etc.
var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ingestd",
		Short: "Power-meter ingestion daemon and operator CLI",
		Long:  "Ingests MQTT/TCP power-meter telemetry, serves the owner/admin HTTP façade, and provides operator subcommands for schema migration and device/user seeding.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (optional, env vars and flags override)")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		deviceCmd(),
		userCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
