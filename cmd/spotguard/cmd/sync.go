package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/spotguard/internal/report"
	"github.com/psantana5/spotguard/pkg/logging"
	"github.com/psantana5/spotguard/pkg/storage"
)

var syncCmd = &cobra.Command{
	Use:   "sync <src> <dst>",
	Short: "Run one sync between a local directory and a storage prefix",
	Long: `Sync copies every file under src that is missing or different at dst,
using the same backend and exclude patterns as the supervisor. Files that exist
only at dst are left alone. Running it twice in a row transfers nothing the
second time.

Example:
  spotguard sync /tmp/spotguard/output s3://bucket/jobs/job123/output
  spotguard sync s3://bucket/jobs/job123/input ./input`,
	Args: cobra.ExactArgs(2),
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

type syncResult struct {
	Source      string  `json:"source"`
	Dest        string  `json:"dest"`
	Transferred int     `json:"transferred"`
	Skipped     int     `json:"skipped"`
	Bytes       int64   `json:"bytes"`
	Seconds     float64 `json:"duration_seconds"`
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fail(err)
	}
	src, dst := args[0], args[1]
	for _, uri := range args {
		if err := storage.ValidateURI(uri); err != nil {
			return fail(err)
		}
	}
	logger := newLogger(cfg).Component("sync")

	store := storage.NewRouter(storage.NewS3CLI(cfg.AWSBinary, cfg.S3EndpointURL, cfg.S3ExtraArgs))
	observe := func(kind string, stats storage.SyncStats, took time.Duration, err error) {
		fields := logging.Fields{"kind": kind, "transferred": stats.Transferred, "duration": took.String()}
		if err != nil {
			fields["error"] = err
			logger.Error("sync failed", fields)
			return
		}
		logger.Debug("sync finished", fields)
	}

	start := time.Now()
	stats, err := storage.Observed(cmdContext(cmd), store, observe, report.SyncFinal, src, dst,
		storage.SyncOptions{Excludes: cfg.Excludes})
	if err != nil {
		return err
	}

	result := syncResult{
		Source:      src,
		Dest:        dst,
		Transferred: stats.Transferred,
		Skipped:     stats.Skipped,
		Bytes:       stats.Bytes,
		Seconds:     time.Since(start).Seconds(),
	}
	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}
	fmt.Printf("Synced %s -> %s: %d transferred, %d unchanged, %d bytes in %.1fs\n",
		src, dst, result.Transferred, result.Skipped, result.Bytes, result.Seconds)
	return nil
}
