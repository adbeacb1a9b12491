package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/spotguard/pkg/models"
)

// WriteSnapshot encodes every metric family from g in the Prometheus text
// format.
func WriteSnapshot(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteSnapshotFile writes a metrics snapshot to path.
func WriteSnapshotFile(path string, g prometheus.Gatherer) error {
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, g); err != nil {
		return err
	}
	return writeFileAtomic(path, buf.Bytes())
}

// WriteReport writes r as YAML to path.
func WriteReport(path string, r models.Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return writeFileAtomic(path, data)
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (models.Report, error) {
	var r models.Report
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode report %s: %w", path, err)
	}
	return r, nil
}

// ReportPath is where the report for attempt n lives inside dir.
func ReportPath(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("attempt-%d.yaml", n))
}

// writeFileAtomic writes through a dot-prefixed temp file that the sync
// excludes, then renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".spotguard-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
