// Package stager downloads the job inputs into the workspace and checks that
// the worker has what it needs before anything is started.
package stager

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/spotguard/internal/report"
	"github.com/psantana5/spotguard/internal/workspace"
	"github.com/psantana5/spotguard/pkg/logging"
	"github.com/psantana5/spotguard/pkg/retry"
	"github.com/psantana5/spotguard/pkg/storage"
)

var (
	// ErrMissingInput means a required input file is absent after staging.
	// It is a fatal configuration error: retrying the job cannot fix it.
	ErrMissingInput = errors.New("required input missing")

	// ErrDownload means the input prefix could not be read even after
	// retries.
	ErrDownload = errors.New("input download failed")
)

// Files names the input files the worker consumes.
type Files struct {
	Program   string
	Evaluator string
	Config    string // optional
}

// Inputs are the staged files, as absolute paths.
type Inputs struct {
	Program   string
	Evaluator string
	Config    string // empty when not provided
	Stats     storage.SyncStats
}

// Stager stages one input prefix.
type Stager struct {
	Store    storage.Store
	Source   string
	Layout   workspace.Layout
	Files    Files
	Retry    retry.Config
	Observer storage.Observer
	Logger   *logging.Logger
}

// Stage downloads everything under Source into the input directory and
// verifies the required files. A missing source prefix is not a download
// error; it surfaces as ErrMissingInput.
func (s *Stager) Stage(ctx context.Context) (Inputs, error) {
	logger := s.logger()
	var stats storage.SyncStats

	logger.Info("staging inputs", logging.Fields{"source": s.Source, "dest": s.Layout.Input})
	err := retry.Do(ctx, s.Retry, func() error {
		var err error
		stats, err = storage.Observed(ctx, s.Store, s.Observer, report.SyncInput, s.Source, s.Layout.Input, storage.SyncOptions{})
		if errors.Is(err, storage.ErrSourceNotFound) {
			return retry.Permanent(err)
		}
		if err != nil {
			logger.Warn("input download attempt failed", logging.Fields{"error": err})
		}
		return err
	})
	switch {
	case errors.Is(err, storage.ErrSourceNotFound):
		logger.Warn("input prefix is empty or missing", logging.Fields{"source": s.Source})
	case err != nil:
		return Inputs{}, fmt.Errorf("%w: %s: %v", ErrDownload, s.Source, err)
	default:
		logger.Info("inputs staged", logging.Fields{"files": stats.Transferred, "bytes": stats.Bytes})
	}

	in := Inputs{
		Program:   s.Layout.InputFile(s.Files.Program),
		Evaluator: s.Layout.InputFile(s.Files.Evaluator),
		Stats:     stats,
	}

	var missing []error
	for _, p := range []string{in.Program, in.Evaluator} {
		if !workspace.Exists(p) {
			missing = append(missing, fmt.Errorf("%w: %s", ErrMissingInput, p))
		}
	}
	if len(missing) > 0 {
		return Inputs{}, errors.Join(missing...)
	}

	if s.Files.Config != "" {
		cfgPath := s.Layout.InputFile(s.Files.Config)
		if workspace.Exists(cfgPath) {
			in.Config = cfgPath
			if err := probeYAML(cfgPath); err != nil {
				logger.Warn("worker config does not parse as YAML, passing it on anyway", logging.Fields{"path": cfgPath, "error": err})
			}
		}
	}

	return in, nil
}

func (s *Stager) logger() *logging.Logger {
	if s.Logger == nil {
		return logging.Discard()
	}
	return s.Logger.Component("stager")
}

// probeYAML reports whether path holds a YAML mapping.
func probeYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	return yaml.Unmarshal(data, &doc)
}
