// Command kilnd runs the kiln multi-tenant application runtime: a
// front-door HTTP server that routes requests to isolated per-app worker
// processes, keeping a bounded LRU of warm instances between requests.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kilnd",
		Short: "kiln - multi-tenant application runtime",
		Long:  "kilnd routes HTTP requests to isolated per-app worker processes, reusing a bounded pool of warm instances.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a JSON or YAML config file (optional, flags override)")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
