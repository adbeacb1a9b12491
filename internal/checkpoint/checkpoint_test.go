package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/spotguard/pkg/models"
	"github.com/psantana5/spotguard/pkg/storage"
)

const marker = "metadata.json"

func makeCheckpoint(t *testing.T, dir, name string, complete bool) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(p, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p, "best_program.py"), []byte("x"), 0o644))
	if complete {
		require.NoError(t, os.WriteFile(filepath.Join(p, marker), []byte("{}"), 0o644))
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name string
		n    int
		ok   bool
	}{
		{"checkpoint_0", 0, true},
		{"checkpoint_10", 10, true},
		{"checkpoint_007", 7, true},
		{"checkpoint_", 0, false},
		{"checkpoint_-1", 0, false},
		{"checkpoint_1a", 0, false},
		{"checkpoint_99999999999999999999999", 0, false},
		{"ckpt_3", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := ParseName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.n, n)
		})
	}
}

func TestLatestIsNumericNotLexical(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"checkpoint_0", "checkpoint_2", "checkpoint_9", "checkpoint_10"} {
		makeCheckpoint(t, dir, name, true)
	}
	cps, err := Scan(dir, marker)
	require.NoError(t, err)
	require.Len(t, cps, 4)

	latest, ok := Latest(cps)
	require.True(t, ok)
	assert.Equal(t, "checkpoint_10", latest.Name)
	assert.Equal(t, 10, latest.Number)
}

func TestScanSkipsIncompleteAndForeignEntries(t *testing.T) {
	dir := t.TempDir()
	makeCheckpoint(t, dir, "checkpoint_4", true)
	// Killed before the marker was written, and killed before anything was.
	makeCheckpoint(t, dir, "checkpoint_5", false)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "checkpoint_6"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint_7"), []byte("file"), 0o644))

	cps, err := Scan(dir, marker)
	require.NoError(t, err)
	require.Len(t, cps, 3)
	assert.False(t, cps[1].Complete)
	assert.False(t, cps[2].Complete)

	latest, ok := Latest(cps)
	require.True(t, ok)
	assert.Equal(t, "checkpoint_4", latest.Name)
}

func TestScanWithoutMarkerAcceptsNonEmpty(t *testing.T) {
	dir := t.TempDir()
	makeCheckpoint(t, dir, "checkpoint_1", false)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "checkpoint_2"), 0o755))

	cps, err := Scan(dir, "")
	require.NoError(t, err)
	latest, ok := Latest(cps)
	require.True(t, ok)
	assert.Equal(t, "checkpoint_1", latest.Name)
}

func TestScanWithoutDefaultMarkerStartsFresh(t *testing.T) {
	dir := t.TempDir()
	// A worker that saves state but never writes metadata.json.
	makeCheckpoint(t, dir, "checkpoint_3", false)
	makeCheckpoint(t, dir, "checkpoint_8", false)

	cps, err := Scan(dir, "metadata.json")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	_, ok := Latest(cps)
	assert.False(t, ok)
}

func TestScanMissingDirectory(t *testing.T) {
	cps, err := Scan(filepath.Join(t.TempDir(), "nope"), marker)
	require.NoError(t, err)
	assert.Empty(t, cps)
	_, ok := Latest(cps)
	assert.False(t, ok)
}

type countingStore struct {
	storage.Store
	calls int
	err   error
}

func (c *countingStore) Sync(ctx context.Context, src, dst string, opts storage.SyncOptions) (storage.SyncStats, error) {
	c.calls++
	if c.err != nil {
		return storage.SyncStats{}, c.err
	}
	return c.Store.Sync(ctx, src, dst, opts)
}

func TestResolveFirstAttemptNeverDownloads(t *testing.T) {
	remote := t.TempDir()
	makeCheckpoint(t, filepath.Join(remote, "checkpoints"), "checkpoint_3", true)
	local := t.TempDir()
	makeCheckpoint(t, local, "checkpoint_1", true)

	store := &countingStore{Store: storage.NewLocal()}
	r := &Resolver{Store: store, OutputURI: remote, Dir: local, Marker: marker}

	ref, err := r.Resolve(context.Background(), models.Attempt{JobID: "j", Number: 0})
	require.NoError(t, err)
	assert.True(t, ref.Fresh())
	assert.Equal(t, "fresh", ref.String())
	assert.Zero(t, store.calls)
}

func TestResolveRetryDownloadsAndPicksHighest(t *testing.T) {
	remote := t.TempDir()
	makeCheckpoint(t, filepath.Join(remote, "checkpoints"), "checkpoint_3", true)
	makeCheckpoint(t, filepath.Join(remote, "checkpoints"), "checkpoint_10", true)
	local := filepath.Join(t.TempDir(), "output", "checkpoints")

	var observed []string
	r := &Resolver{
		Store:     storage.NewLocal(),
		OutputURI: "file://" + remote,
		Dir:       local,
		Marker:    marker,
		Observer: func(kind string, _ storage.SyncStats, _ time.Duration, _ error) {
			observed = append(observed, kind)
		},
	}

	ref, err := r.Resolve(context.Background(), models.Attempt{JobID: "j", Number: 1})
	require.NoError(t, err)
	require.False(t, ref.Fresh())
	assert.Equal(t, "checkpoint_10", ref.Name)
	assert.Equal(t, filepath.Join(local, "checkpoint_10"), ref.Path)
	assert.DirExists(t, filepath.Join(local, "checkpoint_3"))
	assert.Equal(t, []string{"checkpoints"}, observed)
}

func TestResolveRetryWithoutRemoteCheckpoints(t *testing.T) {
	r := &Resolver{Store: storage.NewLocal(), OutputURI: t.TempDir(), Dir: t.TempDir(), Marker: marker}
	ref, err := r.Resolve(context.Background(), models.Attempt{JobID: "j", Number: 2})
	require.NoError(t, err)
	assert.True(t, ref.Fresh())
}

func TestResolveDownloadFailureFallsBackToLocal(t *testing.T) {
	local := t.TempDir()
	makeCheckpoint(t, local, "checkpoint_2", true)
	store := &countingStore{err: errors.New("connection reset")}

	r := &Resolver{Store: store, OutputURI: "s3://bucket/job", Dir: local, Marker: marker}
	ref, err := r.Resolve(context.Background(), models.Attempt{JobID: "j", Number: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, "checkpoint_2", ref.Name)
}
