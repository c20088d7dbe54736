package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile    string
	endpointURL   string
	etcdEndpoints []string
	codecName     string
	logLevel      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "tunnel",
		Short:        "Call the files service through tunnel-rpc",
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to YAML config file")
	pf.StringVar(&endpointURL, "url", "", "Endpoint URL (overrides etcd discovery)")
	pf.StringSliceVar(&etcdEndpoints, "etcd", nil, "etcd endpoints to discover the service with")
	pf.StringVar(&codecName, "codec", "", "Wire codec: json, binary or zstd")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(echoCmd(), checksumCmd(), concatCmd(), confirmCmd(), countdownCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
