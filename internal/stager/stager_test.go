package stager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/spotguard/internal/workspace"
	"github.com/psantana5/spotguard/pkg/retry"
	"github.com/psantana5/spotguard/pkg/storage"
)

var files = Files{Program: "initial_program.py", Evaluator: "evaluator.py", Config: "config.yaml"}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
}

func setup(t *testing.T, inputs map[string]string) (*Stager, workspace.Layout) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "in")
	for name, content := range inputs {
		require.NoError(t, os.MkdirAll(src, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0o644))
	}
	l, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.Prepare(context.Background()))
	return &Stager{Store: storage.NewLocal(), Source: src, Layout: l, Files: files, Retry: fastRetry()}, l
}

func TestStageAllInputs(t *testing.T) {
	s, l := setup(t, map[string]string{
		"initial_program.py": "print(1)",
		"evaluator.py":       "def evaluate(): pass",
		"config.yaml":        "max_iterations: 10\n",
	})
	in, err := s.Stage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, l.InputFile("initial_program.py"), in.Program)
	assert.Equal(t, l.InputFile("evaluator.py"), in.Evaluator)
	assert.Equal(t, l.InputFile("config.yaml"), in.Config)
	assert.Equal(t, 3, in.Stats.Transferred)
}

func TestStageWithoutOptionalConfig(t *testing.T) {
	s, _ := setup(t, map[string]string{
		"initial_program.py": "print(1)",
		"evaluator.py":       "def evaluate(): pass",
	})
	in, err := s.Stage(context.Background())
	require.NoError(t, err)
	assert.Empty(t, in.Config)
}

func TestStageMalformedConfigIsNotFatal(t *testing.T) {
	s, _ := setup(t, map[string]string{
		"initial_program.py": "print(1)",
		"evaluator.py":       "def evaluate(): pass",
		"config.yaml":        "key: [unclosed\n",
	})
	in, err := s.Stage(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, in.Config)
}

func TestStageMissingEvaluatorIsFatal(t *testing.T) {
	s, _ := setup(t, map[string]string{"initial_program.py": "print(1)"})
	_, err := s.Stage(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingInput)
	assert.Contains(t, err.Error(), "evaluator.py")
	assert.NotContains(t, err.Error(), "initial_program.py")
}

func TestStageMissingPrefixIsFatal(t *testing.T) {
	s, _ := setup(t, nil)
	_, err := s.Stage(context.Background())
	assert.ErrorIs(t, err, ErrMissingInput)
	assert.NotErrorIs(t, err, ErrDownload)
}

type flakyStore struct {
	storage.Store
	failures int32
	calls    atomic.Int32
}

func (f *flakyStore) Sync(ctx context.Context, src, dst string, opts storage.SyncOptions) (storage.SyncStats, error) {
	if f.calls.Add(1) <= f.failures {
		return storage.SyncStats{}, errors.New("503 slow down")
	}
	return f.Store.Sync(ctx, src, dst, opts)
}

func TestStageRetriesTransientFailures(t *testing.T) {
	s, _ := setup(t, map[string]string{
		"initial_program.py": "print(1)",
		"evaluator.py":       "def evaluate(): pass",
	})
	store := &flakyStore{Store: storage.NewLocal(), failures: 2}
	s.Store = store

	var observed []string
	s.Observer = func(kind string, _ storage.SyncStats, _ time.Duration, err error) {
		observed = append(observed, kind)
	}

	_, err := s.Stage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.calls.Load())
	assert.Equal(t, []string{"input", "input", "input"}, observed)
}

func TestStageGivesUpAfterRetries(t *testing.T) {
	s, _ := setup(t, nil)
	s.Store = &flakyStore{Store: storage.NewLocal(), failures: 100}

	_, err := s.Stage(context.Background())
	assert.ErrorIs(t, err, ErrDownload)
	assert.NotErrorIs(t, err, ErrMissingInput)
}
