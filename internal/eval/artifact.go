package eval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/knoguchi/rageval/internal/metrics"
)

// TimestampLayout names artifacts, e.g. 20251126_163345.
const TimestampLayout = "20060102_150405"

// Artifact is the output file of one run. Its path is fixed when it is created.
type Artifact struct {
	mu   sync.Mutex
	path string
}

// NewArtifact creates dir if needed and fixes the path
// <dir>/<YYYYMMDD_HHMMSS>_metrics_<label>.json for a run started at now.
func NewArtifact(dir, label string, now time.Time) (*Artifact, error) {
	if label == "" {
		label = "run"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	name := fmt.Sprintf("%s_metrics_%s.json", now.Format(TimestampLayout), label)
	return &Artifact{path: filepath.Join(dir, name)}, nil
}

// Path returns the artifact location.
func (a *Artifact) Path() string {
	return a.path
}

// Write replaces the artifact with records followed by the aggregate, if any.
func (a *Artifact) Write(records []Record, aggregate *metrics.Scores) error {
	entries := make([]any, 0, len(records)+1)
	for i := range records {
		entries = append(entries, &records[i])
	}
	if aggregate != nil {
		entries = append(entries, aggregate)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return writeJSONAtomic(a.path, entries)
}

// ReadArtifact loads the records of an artifact and its trailing aggregate.
func ReadArtifact(path string) ([]Record, *metrics.Scores, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read artifact: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse artifact: %w", err)
	}

	var aggregate *metrics.Scores
	if n := len(raw); n > 0 && !hasKey(raw[n-1], "prompt") {
		aggregate = &metrics.Scores{}
		if err := json.Unmarshal(raw[n-1], aggregate); err != nil {
			return nil, nil, fmt.Errorf("parse aggregate: %w", err)
		}
		raw = raw[:n-1]
	}

	records := make([]Record, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &records[i]); err != nil {
			return nil, nil, fmt.Errorf("parse record %d: %w", i, err)
		}
		records[i].Index = i
	}
	return records, aggregate, nil
}

func hasKey(obj json.RawMessage, key string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(obj, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// writeJSONAtomic writes v as indented JSON through a temp file and a rename.
func writeJSONAtomic(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
