package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/emperorhan/cycle-governor/internal/metrics"
)

//go:generate mockgen -source=recorder.go -destination=mocks/mock_recorder.go -package=mocks

// Recorder persists artifacts append-only.
type Recorder interface {
	Record(ctx context.Context, a Artifact) error
}

// FileRecorder appends one JSON line per artifact to <dir>/<suite>.jsonl.
type FileRecorder struct {
	dir string
	mu  sync.Mutex
}

func NewFileRecorder(dir string) (*FileRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	return &FileRecorder{dir: dir}, nil
}

func (r *FileRecorder) Path(suite string) string {
	if suite == "" {
		suite = DefaultSuite
	}
	return filepath.Join(r.dir, filepath.Base(suite)+".jsonl")
}

func (r *FileRecorder) Record(ctx context.Context, a Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(a); err != nil {
		metrics.EvidenceRecordsTotal.WithLabelValues("file", "invalid").Inc()
		return err
	}
	line, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.Path(a.Suite), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		metrics.EvidenceRecordsTotal.WithLabelValues("file", "error").Inc()
		return fmt.Errorf("open evidence file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		metrics.EvidenceRecordsTotal.WithLabelValues("file", "error").Inc()
		return fmt.Errorf("append evidence: %w", err)
	}
	if err := f.Close(); err != nil {
		metrics.EvidenceRecordsTotal.WithLabelValues("file", "error").Inc()
		return fmt.Errorf("close evidence file: %w", err)
	}
	metrics.EvidenceRecordsTotal.WithLabelValues("file", "ok").Inc()
	return nil
}

// ReadAll returns every artifact recorded for suite, oldest first.
func (r *FileRecorder) ReadAll(suite string) ([]Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := os.ReadFile(r.Path(suite))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read evidence file: %w", err)
	}
	var out []Artifact
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var a Artifact
		if err := dec.Decode(&a); err != nil {
			return nil, fmt.Errorf("decode evidence line %d: %w", len(out)+1, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// MultiRecorder writes to every recorder and joins their errors.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, a Artifact) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
