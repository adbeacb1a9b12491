package report

import (
	"sync"
	"time"
)

// SyncRecord is one sync run as seen by the status endpoint.
type SyncRecord struct {
	Kind        string    `json:"kind"`
	StartedAt   time.Time `json:"started_at"`
	Seconds     float64   `json:"duration_seconds"`
	Transferred int       `json:"transferred"`
	Error       string    `json:"error,omitempty"`
}

// SyncHistory keeps the last N sync runs (ring buffer) plus running totals.
type SyncHistory struct {
	mu       sync.RWMutex
	records  []SyncRecord
	maxSize  int
	total    int
	failures int
}

// NewSyncHistory creates a history holding at most maxSize records.
func NewSyncHistory(maxSize int) *SyncHistory {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &SyncHistory{records: make([]SyncRecord, 0, maxSize), maxSize: maxSize}
}

// Record appends a run, dropping the oldest when full.
func (h *SyncHistory) Record(rec SyncRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	if rec.Error != "" {
		h.failures++
	}
	if len(h.records) >= h.maxSize {
		h.records = h.records[1:]
	}
	h.records = append(h.records, rec)
}

// Recent returns up to n records, newest first.
func (h *SyncHistory) Recent(n int) []SyncRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > len(h.records) {
		n = len(h.records)
	}
	out := make([]SyncRecord, n)
	for i := 0; i < n; i++ {
		out[i] = h.records[len(h.records)-1-i]
	}
	return out
}

// Counts returns how many runs were recorded and how many failed.
func (h *SyncHistory) Counts() (total, failures int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total, h.failures
}
