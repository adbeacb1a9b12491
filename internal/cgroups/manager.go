package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultRoot is the cgroup v2 unified hierarchy mount point.
const DefaultRoot = "/sys/fs/cgroup"

// ErrUnavailable is returned when the hierarchy cannot be written by this
// process (no cgroup v2, or no delegation).
var ErrUnavailable = errors.New("cgroup v2 hierarchy unavailable")

// Manager creates one leaf cgroup per worker under <root>/spotguard.
// Create, Join, Delete. Nothing else.
type Manager struct {
	root string
}

// New returns a manager rooted at DefaultRoot.
func New() *Manager {
	return NewAt(DefaultRoot)
}

// NewAt returns a manager rooted at root.
func NewAt(root string) *Manager {
	return &Manager{root: root}
}

// Available reports whether root is a cgroup v2 hierarchy.
func (m *Manager) Available() bool {
	_, err := os.Stat(filepath.Join(m.root, "cgroup.controllers"))
	return err == nil
}

// Create makes the leaf cgroup for name and returns its path.
func (m *Manager) Create(name string) (string, error) {
	if !m.Available() {
		return "", ErrUnavailable
	}
	if name == "" {
		name = fmt.Sprintf("worker-%d", os.Getpid())
	}

	path := filepath.Join(m.root, "spotguard", name)
	if err := os.MkdirAll(path, 0755); err != nil {
		if os.IsPermission(err) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", fmt.Errorf("create cgroup %s: %w", path, err)
	}
	return path, nil
}

// Join moves pid into the cgroup at path.
func (m *Manager) Join(path string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	return writeValue(path, "cgroup.procs", strconv.Itoa(pid))
}

// Delete removes the cgroup. The kernel refuses while processes remain.
func (m *Manager) Delete(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cgroup %s: %w", path, err)
	}
	return nil
}

func writeValue(dir, file, value string) error {
	p := filepath.Join(dir, file)
	if err := os.WriteFile(p, []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}
