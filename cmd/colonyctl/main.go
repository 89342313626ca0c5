package main

import (
	"fmt"
	"os"
	"time"

	"colony-tasks/pkg/client"
	"colony-tasks/pkg/config"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "colonyctl",
	Short: "Inspect and operate the colony task queue",
	Long: `colonyctl talks to a running colony API.

The API address comes from --base-url, or BASE_URL in config.yaml / the
environment when the flag is not set.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "colony API base URL (default from BASE_URL)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
}

func newClient() (*client.Client, error) {
	url := baseURL
	if url == "" {
		cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
		if err != nil {
			return nil, err
		}
		url = cfg.BaseURL
	}
	return client.New(url, timeout), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
