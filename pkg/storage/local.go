package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// tempPrefix names in-flight files. Excluded from every sync.
const tempPrefix = ".spotguard-"

// Local syncs between two directories on the local filesystem (or any
// mounted filesystem such as NFS). Change detection uses size and BLAKE3.
type Local struct{}

var _ Store = (*Local)(nil)

// NewLocal creates a filesystem backend
func NewLocal() *Local { return &Local{} }

func (l *Local) Name() string { return "local" }

func (l *Local) Sync(ctx context.Context, src, dst string, opts SyncOptions) (SyncStats, error) {
	var stats SyncStats

	srcDir, err := LocalPath(src)
	if err != nil {
		return stats, err
	}
	dstDir, err := LocalPath(dst)
	if err != nil {
		return stats, err
	}

	info, err := os.Stat(srcDir)
	if os.IsNotExist(err) {
		return stats, fmt.Errorf("%s: %w", srcDir, ErrSourceNotFound)
	}
	if err != nil {
		return stats, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return stats, fmt.Errorf("sync source %s is not a directory", srcDir)
	}

	excl, err := newExcluder(opts.Excludes)
	if err != nil {
		return stats, err
	}

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return stats, fmt.Errorf("create destination: %w", err)
	}

	err = filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// A file can vanish between listing and reading while the
			// worker rewrites its output; the next sync picks it up.
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		if excl.match(filepath.ToSlash(rel)) {
			return nil
		}

		target := filepath.Join(dstDir, rel)
		same, err := sameContent(p, target)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if same {
			stats.Skipped++
			return nil
		}

		n, err := copyFile(p, target)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("copy %s: %w", rel, err)
		}
		stats.Transferred++
		stats.Bytes += n
		return nil
	})
	if err != nil {
		return stats, err
	}
	return stats, nil
}

type excluder struct {
	patterns []string
}

func newExcluder(patterns []string) (*excluder, error) {
	all := append([]string{tempPrefix + "*"}, patterns...)
	for _, p := range all {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	return &excluder{patterns: all}, nil
}

func (e *excluder) match(rel string) bool {
	base := path.Base(rel)
	for _, p := range e.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, _ := doublestar.Match(p, base); ok {
				return true
			}
		}
	}
	return false
}

// sameContent reports whether dst exists with the same size and digest as src.
func sameContent(src, dst string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	dstInfo, err := os.Stat(dst)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat destination: %w", err)
	}
	if srcInfo.Size() != dstInfo.Size() {
		return false, nil
	}

	a, err := digest(src)
	if err != nil {
		return false, err
	}
	b, err := digest(dst)
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}

func digest(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", p, err)
	}
	return h.Sum(nil), nil
}

// copyFile writes src to dst through a temporary sibling and a rename so dst
// is never observed half-written.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create parent: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, in)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, err
	}
	return n, nil
}
