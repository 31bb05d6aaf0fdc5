package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/conceptlink/internal/model"
)

const snapshotSuffix = "_sentences.json"

// JSONFile keeps a unit's snapshot in <dir>/<unit>_sentences.json
type JSONFile struct {
	dir  string
	unit string

	mu     sync.Mutex
	closed bool
}

// NewJSONFile creates a file-backed ledger
func NewJSONFile(dir, unit string) *JSONFile {
	return &JSONFile{dir: dir, unit: unit}
}

// Path returns the snapshot file path
func (j *JSONFile) Path() string {
	return filepath.Join(j.dir, j.unit+snapshotSuffix)
}

// Load reads the snapshot file
func (j *JSONFile) Load(ctx context.Context) (*model.Snapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrClosed
	}
	return j.load()
}

// Save writes the snapshot through a temp file and an atomic rename
func (j *JSONFile) Save(ctx context.Context, snap *model.Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	return j.save(snap)
}

// AtomicUpsert rewrites the snapshot with one record replaced
func (j *JSONFile) AtomicUpsert(ctx context.Context, rec *model.SentenceRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	snap, err := j.load()
	if err != nil {
		return err
	}
	snap.Sentences[rec.ID] = rec.Clone()
	return j.save(snap)
}

// Close marks the ledger closed
func (j *JSONFile) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func (j *JSONFile) load() (*model.Snapshot, error) {
	data, err := os.ReadFile(j.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return model.NewSnapshot(j.unit), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decodeSnapshot(j.unit, data, json.Unmarshal)
}

func (j *JSONFile) save(snap *model.Snapshot) error {
	out := snap.Clone()
	out.Unit = j.unit
	out.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	tmp, err := os.CreateTemp(j.dir, j.unit+snapshotSuffix+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, j.Path()); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func listJSONUnits(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger dir: %w", err)
	}

	var units []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		unit := strings.TrimSuffix(name, snapshotSuffix)
		if ValidateUnit(unit) == nil {
			units = append(units, unit)
		}
	}
	sort.Strings(units)
	return units, nil
}
