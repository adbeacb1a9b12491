// Package workspace owns the local directory tree of one attempt.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Directory names inside the workspace root.
const (
	InputDir      = "input"
	OutputDir     = "output"
	CheckpointDir = "checkpoints"
	MetaDir       = ".spotguard"
)

// Layout is the resolved set of workspace paths.
//
//	<root>/input/                     staged inputs, read-only after staging
//	<root>/output/                    worker output, synced to the output prefix
//	<root>/output/checkpoints/        worker checkpoints, append-only
//	<root>/output/.spotguard/         attempt report and metrics snapshot
type Layout struct {
	Root        string
	Input       string
	Output      string
	Checkpoints string
	Meta        string
}

// New resolves the layout under root without touching the filesystem.
func New(root string) (Layout, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return Layout{}, fmt.Errorf("workspace root is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve workspace root: %w", err)
	}

	output := filepath.Join(abs, OutputDir)
	return Layout{
		Root:        abs,
		Input:       filepath.Join(abs, InputDir),
		Output:      output,
		Checkpoints: filepath.Join(output, CheckpointDir),
		Meta:        filepath.Join(output, MetaDir),
	}, nil
}

// Prepare creates every directory of the layout. Existing directories and
// their contents are kept, so a restarted supervisor reuses what is on disk.
func (l Layout) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, dir := range []string{l.Root, l.Input, l.Output, l.Checkpoints, l.Meta} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace directory %s: %w", dir, err)
		}
	}
	return nil
}

// InputFile returns the path of a staged input file.
func (l Layout) InputFile(name string) string {
	return filepath.Join(l.Input, name)
}

// Exists reports whether path is an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
