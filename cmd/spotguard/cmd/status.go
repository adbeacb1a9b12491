package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/spotguard/internal/report"
	tlsutil "github.com/psantana5/spotguard/pkg/tls"
)

var statusCmd = &cobra.Command{
	Use:   "status <addr|url>",
	Short: "Query a running supervisor's status server",
	Long: `Status fetches /status from a supervisor started with --metrics-addr.
A bare host:port is queried over https when --ca is given and over http
otherwise. The bearer token defaults to METRICS_TOKEN.

Example:
  spotguard status 127.0.0.1:9102
  spotguard status --ca certs/status.pem --token "$TOKEN" node-7.internal:9102`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("ca", "", "CA certificate that signed the server certificate")
	statusCmd.Flags().String("token", "", "bearer token (env METRICS_TOKEN)")
	statusCmd.Flags().Duration("timeout", 10*time.Second, "request timeout")
}

func runStatus(cmd *cobra.Command, args []string) error {
	caFile, _ := cmd.Flags().GetString("ca")
	token, _ := cmd.Flags().GetString("token")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if !cmd.Flags().Changed("token") {
		token = viper.GetString("metrics_token")
	}

	client := &http.Client{Timeout: timeout}
	if caFile != "" {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(caFile)
		if err != nil {
			return err
		}
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	baseURL := args[0]
	if !strings.Contains(baseURL, "://") {
		scheme := "http://"
		if caFile != "" {
			scheme = "https://"
		}
		baseURL = scheme + baseURL
	}

	status, err := report.FetchStatus(cmdContext(cmd), client, baseURL, token)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	resumed := status.ResumedFrom
	if resumed == "" {
		resumed = "-"
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job", status.JobID)
	table.Append("Attempt", strconv.Itoa(status.Attempt))
	table.Append("Run", status.RunID)
	table.Append("State", status.State)
	table.Append("Resumed From", resumed)
	table.Append("Uptime", status.Uptime)
	table.Append("Syncs", fmt.Sprintf("%d (%d failed)", status.Syncs, status.FailedSyncs))
	if w := status.Worker; w != nil {
		table.Append("Worker PID", strconv.Itoa(int(w.PID)))
		table.Append("Worker CPU", fmt.Sprintf("%.1f%%", w.CPUPercent))
		table.Append("Worker RSS", fmt.Sprintf("%.1f MiB", float64(w.RSSBytes)/(1<<20)))
	}
	table.Render()

	if len(status.RecentSyncs) > 0 {
		last := status.RecentSyncs[0]
		result := "ok"
		if last.Error != "" {
			result = last.Error
		}
		fmt.Printf("\nLast sync: %s at %s, %d files, %s\n",
			last.Kind, last.StartedAt.Format(time.RFC3339), last.Transferred, result)
	}
	return nil
}
