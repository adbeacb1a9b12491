package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/spotguard/internal/checkpoint"
	"github.com/psantana5/spotguard/internal/workspace"
	"github.com/psantana5/spotguard/pkg/storage"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <dir|output-uri>",
	Short: "List checkpoints and show which one a retry would resume from",
	Long: `List the checkpoint_<N> directories under a local checkpoints directory
or under <output-uri>/checkpoints. Remote checkpoints are downloaded into a
temporary directory first.

A checkpoint counts as complete only when it contains the completion marker,
metadata.json unless CHECKPOINT_MARKER or --marker says otherwise. Directories
without it are listed but never resumed from, so a job whose worker writes no
such file always restarts fresh. An empty marker accepts any non-empty
checkpoint directory.

Example:
  spotguard checkpoints s3://bucket/jobs/job123/output
  spotguard checkpoints /tmp/spotguard/output/checkpoints
  spotguard checkpoints --marker state.pkl ./output/checkpoints`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.Flags().String("marker", "", "file that marks a checkpoint complete (env CHECKPOINT_MARKER, default metadata.json)")
}

type checkpointInfo struct {
	Name     string `json:"name"`
	Number   int    `json:"number"`
	Complete bool   `json:"complete"`
	Files    int    `json:"files"`
	Modified string `json:"modified"`
	Latest   bool   `json:"latest"`
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	marker := viper.GetString("checkpoint_marker")
	if cmd.Flags().Changed("marker") {
		marker, _ = cmd.Flags().GetString("marker")
	}

	dir := args[0]
	if storage.IsRemote(dir) {
		tmp, err := os.MkdirTemp("", "spotguard-checkpoints-")
		if err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)

		store := storage.NewRouter(storage.NewS3CLI(viper.GetString("aws_binary"),
			viper.GetString("s3_endpoint_url"), nil))
		_, err = store.Sync(cmdContext(cmd), storage.Join(dir, workspace.CheckpointDir), tmp, storage.SyncOptions{})
		if err != nil && !errors.Is(err, storage.ErrSourceNotFound) {
			return fmt.Errorf("failed to download checkpoints: %w", err)
		}
		dir = tmp
	}

	cps, err := checkpoint.Scan(dir, marker)
	if err != nil {
		return fmt.Errorf("failed to scan checkpoints: %w", err)
	}
	latest, hasLatest := checkpoint.Latest(cps)

	infos := make([]checkpointInfo, 0, len(cps))
	for _, cp := range cps {
		infos = append(infos, checkpointInfo{
			Name:     cp.Name,
			Number:   cp.Number,
			Complete: cp.Complete,
			Files:    cp.Files,
			Modified: cp.ModTime.Format("2006-01-02 15:04:05"),
			Latest:   hasLatest && cp.Number == latest.Number,
		})
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints found, a retry would start fresh")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Number", "Complete", "Files", "Modified", "Resume")
	for _, info := range infos {
		resume := ""
		if info.Latest {
			resume = "*"
		}
		table.Append(
			info.Name,
			strconv.Itoa(info.Number),
			strconv.FormatBool(info.Complete),
			strconv.Itoa(info.Files),
			info.Modified,
			resume,
		)
	}
	table.Render()

	if hasLatest {
		fmt.Printf("\nA retry would resume from %s\n", latest.Name)
	} else {
		fmt.Println("\nNo complete checkpoint, a retry would start fresh")
	}
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
