package cgroups

import (
	"errors"
	"fmt"
	"strconv"
)

// Limits are the cgroup v2 knobs spotguard writes for the worker.
type Limits struct {
	CPUWeight int   // cpu.weight, 1-10000, 0 = untouched
	MemoryMax int64 // memory.max in bytes, 0 = untouched
}

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l.CPUWeight == 0 && l.MemoryMax == 0
}

// Validate checks the ranges the kernel accepts.
func (l Limits) Validate() error {
	if l.CPUWeight < 0 || l.CPUWeight > 10000 {
		return fmt.Errorf("invalid cpu weight: %d (must be 1-10000)", l.CPUWeight)
	}
	if l.MemoryMax < 0 {
		return fmt.Errorf("invalid memory limit: %d", l.MemoryMax)
	}
	return nil
}

// Apply writes every non-zero limit into the cgroup at path. All writes are
// attempted; failures are joined.
func (l Limits) Apply(path string) error {
	if err := l.Validate(); err != nil {
		return err
	}
	var errs []error
	if l.CPUWeight > 0 {
		errs = append(errs, writeValue(path, "cpu.weight", strconv.Itoa(l.CPUWeight)))
	}
	if l.MemoryMax > 0 {
		errs = append(errs, writeValue(path, "memory.max", strconv.FormatInt(l.MemoryMax, 10)))
	}
	return errors.Join(errs...)
}
