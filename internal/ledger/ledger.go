// Package ledger tracks per-sentence resolution state and persists it as
// snapshots, one per unit of work.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/rs/zerolog"
)

var (
	// ErrCorrupt means a persisted snapshot could not be decoded or failed validation
	ErrCorrupt = errors.New("snapshot corrupt")

	// ErrInvalidUnit means a unit name cannot be used as a storage key
	ErrInvalidUnit = errors.New("invalid unit name")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("ledger closed")
)

// Ledger persists the snapshot of one unit
type Ledger interface {
	// Load returns the persisted snapshot, or an empty one if none exists
	Load(ctx context.Context) (*model.Snapshot, error)
	// Save replaces the persisted snapshot with a fully flushed copy of snap
	Save(ctx context.Context, snap *model.Snapshot) error
	// AtomicUpsert replaces one sentence record inside the persisted snapshot
	AtomicUpsert(ctx context.Context, rec *model.SentenceRecord) error
	Close() error
}

const (
	BackendJSON   = "json"
	BackendBadger = "badger"

	badgerDirName = "ledger.badger"
)

var unitPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateUnit checks that a unit name is safe to use in file names and keys
func ValidateUnit(unit string) error {
	if !unitPattern.MatchString(unit) {
		return fmt.Errorf("%w: %q", ErrInvalidUnit, unit)
	}
	return nil
}

// Open opens the ledger of unit with the configured backend
func Open(cfg model.LedgerConfig, unit string, logger zerolog.Logger) (Ledger, error) {
	if err := ValidateUnit(unit); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "", BackendJSON:
		return NewJSONFile(cfg.Dir, unit), nil
	case BackendBadger:
		return OpenBadger(filepath.Join(cfg.Dir, badgerDirName), unit, logger)
	default:
		return nil, fmt.Errorf("unknown ledger backend: %s", cfg.Backend)
	}
}

// ListUnits returns the units that have a persisted snapshot
func ListUnits(cfg model.LedgerConfig, logger zerolog.Logger) ([]string, error) {
	switch cfg.Backend {
	case "", BackendJSON:
		return listJSONUnits(cfg.Dir)
	case BackendBadger:
		return listBadgerUnits(filepath.Join(cfg.Dir, badgerDirName), logger)
	default:
		return nil, fmt.Errorf("unknown ledger backend: %s", cfg.Backend)
	}
}

func decodeSnapshot(unit string, data []byte, decode func([]byte, any) error) (*model.Snapshot, error) {
	snap := model.NewSnapshot(unit)
	if err := decode(data, snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, unit, err)
	}
	snap.Unit = unit
	if snap.Sentences == nil {
		snap.Sentences = make(map[string]*model.SentenceRecord)
	}
	for _, rec := range snap.Sentences {
		if rec != nil && rec.Terms == nil {
			rec.Terms = make(map[string]*model.TermResolution)
		}
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, unit, err)
	}
	return snap, nil
}
