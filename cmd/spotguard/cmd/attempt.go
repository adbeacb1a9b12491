package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/spotguard/internal/report"
	"github.com/psantana5/spotguard/pkg/models"
)

var reportCmd = &cobra.Command{
	Use:   "report <attempt.yaml | dir>",
	Short: "Show attempt reports written by the supervisor",
	Long: `Report prints the per-attempt records found in an output tree's
.spotguard directory, or a single attempt-<N>.yaml file.

Example:
  spotguard report ./output/.spotguard
  spotguard report ./output/.spotguard/attempt-2.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	paths := []string{args[0]}
	if info, err := os.Stat(args[0]); err == nil && info.IsDir() {
		paths, err = filepath.Glob(filepath.Join(args[0], "attempt-*.yaml"))
		if err != nil {
			return err
		}
	}
	if len(paths) == 0 {
		fmt.Println("No attempt reports found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Attempt", "Path", "Resumed From", "Worker Exit", "Forced", "Exit", "Syncs", "Duration")

	var all []models.Report
	for _, p := range paths {
		r, err := report.ReadReport(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		if IsJSONOutput() {
			all = append(all, r)
			continue
		}

		worker := strconv.Itoa(r.WorkerExitCode)
		if r.WorkerSignal != "" {
			worker = r.WorkerSignal
		}
		resumed := r.ResumedFrom
		if resumed == "" {
			resumed = "-"
		}
		table.Append(
			r.Attempt.String(),
			string(r.Path),
			resumed,
			worker,
			strconv.FormatBool(r.ForceKilled),
			strconv.Itoa(r.ExitCode),
			fmt.Sprintf("%d (%d failed)", r.PeriodicSyncs, r.FailedSyncs),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String(),
		)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(all, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}
	table.Render()
	return nil
}
