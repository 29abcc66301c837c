package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "devicelink",
	Short: "Connection and command runtime for mobile automation devices",
	Long: `devicelink keeps a live session per connected mobile device and lets
planners run commands on them and wait for the responses.

Usage
	devicelink serve --config devicelink.toml
	devicelink device --id phone-1 --addr ws://localhost:8765/ws
`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "TOML config file")
	flags.StringVar(&envFile, "env-file", "", "dotenv file to load (default .env.local)")

	rootCmd.AddCommand(serveCmd, deviceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
