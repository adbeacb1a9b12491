package supervisor

import (
	"strconv"

	"github.com/psantana5/spotguard/internal/checkpoint"
	"github.com/psantana5/spotguard/internal/stager"
)

// WorkerArgs builds the worker's arguments after the command itself:
//
//	<program> <evaluator> --output <dir> --iterations <n> [--config <file>] [--checkpoint <dir>]
func WorkerArgs(in stager.Inputs, outputDir string, iterations int, resume checkpoint.Ref) []string {
	args := []string{
		in.Program,
		in.Evaluator,
		"--output", outputDir,
		"--iterations", strconv.Itoa(iterations),
	}
	if in.Config != "" {
		args = append(args, "--config", in.Config)
	}
	if !resume.Fresh() {
		args = append(args, "--checkpoint", resume.Path)
	}
	return args
}
