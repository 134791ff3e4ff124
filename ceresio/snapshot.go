package ceresio

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// NodeSnapshot is one exported row of the debug tree dump: a flattened
// view of a node store entry, independent of the in-memory packed layout,
// so it can be serialized and diffed across runs.
type NodeSnapshot struct {
	Index       uint32  `json:"index" yaml:"index"`
	ParentIndex uint32  `json:"parent_index" yaml:"parent_index"`
	Visits      uint32  `json:"visits" yaml:"visits"`
	ValueSum    float64 `json:"value_sum" yaml:"value_sum"`
	SumSquares  float64 `json:"sum_squares" yaml:"sum_squares"`
	Prior       float32 `json:"prior" yaml:"prior"`
	MoveLabel   string  `json:"move,omitempty" yaml:"move,omitempty"`
	Terminal    bool    `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// SnapshotWriter accumulates node rows for one search and flushes them
// as gzipped, newline-delimited JSON: one object per line, so dumps of
// multi-million-node trees stream instead of buffering.
type SnapshotWriter struct {
	file *os.File
	gz   *gzip.Writer
}

// NewSnapshotWriter opens path (truncating it) and wraps it in a gzip
// writer.
func NewSnapshotWriter(path string) (*SnapshotWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("could not create snapshot file: %w", err)
	}
	return &SnapshotWriter{file: f, gz: gzip.NewWriter(f)}, nil
}

// WriteNode appends one row as a JSON line.
func (w *SnapshotWriter) WriteNode(n NodeSnapshot) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("could not marshal node snapshot: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.gz.Write(b); err != nil {
		return fmt.Errorf("could not write node snapshot: %w", err)
	}
	return nil
}

// Close flushes the gzip writer and closes the backing file. A failed
// gzip close is logged as well as returned; a truncated dump is worse
// than a noisy one.
func (w *SnapshotWriter) Close() error {
	if err := w.gz.Close(); err != nil {
		log.Err(err).Msg("could not close snapshot gzip writer")
		return fmt.Errorf("could not close gzip writer: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("could not close snapshot file: %w", err)
	}
	return nil
}

// ReadSnapshot reads back a gzipped newline-delimited JSON snapshot
// written by SnapshotWriter.
func ReadSnapshot(path string) ([]NodeSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open snapshot file: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("could not create gzip reader: %w", err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var rows []NodeSnapshot
	for scanner.Scan() {
		var n NodeSnapshot
		if err := json.Unmarshal(scanner.Bytes(), &n); err != nil {
			return nil, fmt.Errorf("could not unmarshal snapshot line: %w", err)
		}
		rows = append(rows, n)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning snapshot: %w", err)
	}
	return rows, nil
}

// ExportYAML writes rows as a single YAML document, for the cases where
// a human wants to read the debug tree directly rather than diffing
// JSON lines.
func ExportYAML(path string, rows []NodeSnapshot) error {
	if len(rows) == 0 {
		return errors.New("no rows to export")
	}
	b, err := yaml.Marshal(rows)
	if err != nil {
		return fmt.Errorf("could not marshal snapshot to yaml: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}
