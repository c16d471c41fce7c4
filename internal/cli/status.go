package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/halden/quarterdeck/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether a gateway is running",
	Long:  `Probe the configured gateway's health endpoint and report its status.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/healthz", cfg.Gateway.Host, cfg.Gateway.Port)
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: stopped")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: running")
		fmt.Fprintf(cmd.OutOrStdout(), "Endpoint: ws://%s:%d/ws\n", cfg.Gateway.Host, cfg.Gateway.Port)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Status: unhealthy (%s)\n", resp.Status)
	}
	return nil
}
