// Package storage is the durable-storage side of spotguard: recursive,
// idempotent "sync" between a local directory and a key prefix.
//
// Every backend must tolerate being abandoned mid-transfer and re-run: a
// partially completed sync followed by a full one must converge on the same
// destination state as a single full sync.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrSourceNotFound is returned when the sync source does not exist.
var ErrSourceNotFound = errors.New("sync source not found")

// SyncOptions controls a single sync run.
type SyncOptions struct {
	// Excludes are glob patterns (doublestar syntax) evaluated against the
	// slash-separated path relative to the source root. A pattern without a
	// slash also matches the file's base name.
	Excludes []string
}

// SyncStats summarizes a sync run.
type SyncStats struct {
	Transferred int
	Skipped     int
	Bytes       int64
}

// Store is a durable storage backend.
type Store interface {
	// Sync copies everything under src that is missing or different at dst.
	// Files present only at dst are left alone.
	Sync(ctx context.Context, src, dst string, opts SyncOptions) (SyncStats, error)
	Name() string
}

// Router dispatches to Remote when either side of a sync is an object-store
// URI and to Local otherwise.
type Router struct {
	Local  Store
	Remote Store
}

var _ Store = (*Router)(nil)

// NewRouter returns a Router over the local filesystem backend and the given
// remote backend. remote may be nil when only local prefixes are used.
func NewRouter(remote Store) *Router {
	return &Router{Local: NewLocal(), Remote: remote}
}

func (r *Router) Name() string { return "router" }

func (r *Router) Sync(ctx context.Context, src, dst string, opts SyncOptions) (SyncStats, error) {
	if IsRemote(src) || IsRemote(dst) {
		if r.Remote == nil {
			return SyncStats{}, fmt.Errorf("no remote backend configured for %s -> %s", src, dst)
		}
		return r.Remote.Sync(ctx, src, dst, opts)
	}
	return r.Local.Sync(ctx, src, dst, opts)
}

// IsRemote reports whether uri addresses the object store.
func IsRemote(uri string) bool {
	return strings.HasPrefix(uri, "s3://")
}

// Join appends path elements to a prefix, keeping the prefix's scheme.
func Join(prefix string, elem ...string) string {
	if scheme, rest, ok := strings.Cut(prefix, "://"); ok {
		parts := append([]string{rest}, elem...)
		return scheme + "://" + path.Join(parts...)
	}
	return filepath.Join(append([]string{prefix}, elem...)...)
}

// LocalPath converts a file:// URI or a plain path into a filesystem path.
func LocalPath(uri string) (string, error) {
	if strings.HasPrefix(uri, "file://") {
		p := strings.TrimPrefix(uri, "file://")
		if p == "" {
			return "", fmt.Errorf("empty path in %q", uri)
		}
		return filepath.Clean(p), nil
	}
	if scheme, _, ok := strings.Cut(uri, "://"); ok {
		return "", fmt.Errorf("unsupported storage scheme %q in %q", scheme, uri)
	}
	if strings.TrimSpace(uri) == "" {
		return "", fmt.Errorf("empty storage path")
	}
	return filepath.Clean(uri), nil
}

// ValidateURI checks that uri is usable as a durable prefix.
func ValidateURI(uri string) error {
	if IsRemote(uri) {
		if strings.TrimPrefix(uri, "s3://") == "" {
			return fmt.Errorf("missing bucket in %q", uri)
		}
		return nil
	}
	_, err := LocalPath(uri)
	return err
}

// Observer is told about every sync run made through Observed.
type Observer func(kind string, stats SyncStats, took time.Duration, err error)

// Observed runs s.Sync and reports the outcome to obs, which may be nil.
func Observed(ctx context.Context, s Store, obs Observer, kind, src, dst string, opts SyncOptions) (SyncStats, error) {
	began := time.Now()
	stats, err := s.Sync(ctx, src, dst, opts)
	if obs != nil {
		obs(kind, stats, time.Since(began), err)
	}
	return stats, err
}
