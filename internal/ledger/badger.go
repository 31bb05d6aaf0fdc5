package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/rs/zerolog"
)

const snapshotKeyPrefix = "snapshot/"

// Badger keeps snapshots in a badger database, one key per unit.
// A snapshot is always written whole inside a single transaction.
type Badger struct {
	db     *badger.DB
	unit   string
	logger zerolog.Logger
}

// badgerLogger adapts zerolog to badger.Logger
type badgerLogger struct {
	logger zerolog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (bl *badgerLogger) Errorf(msg string, items ...any) {
	bl.logger.Error().Msg(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLogger) Warningf(msg string, items ...any) {
	bl.logger.Warn().Msg(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLogger) Infof(msg string, items ...any) {
	bl.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLogger) Debugf(msg string, items ...any) {
	bl.logger.Trace().Msg(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

// OpenBadger opens (creating if needed) the database at path.
// An empty path opens an in-memory database.
func OpenBadger(path, unit string, logger zerolog.Logger) (*Badger, error) {
	if err := ValidateUnit(unit); err != nil {
		return nil, err
	}
	db, err := openBadgerDB(path, logger)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, unit: unit, logger: logger}, nil
}

func openBadgerDB(path string, logger zerolog.Logger) (*badger.DB, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &badgerLogger{logger: logger.With().Str("component", "badger").Logger()}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	return db, nil
}

func snapshotKey(unit string) []byte {
	return []byte(snapshotKeyPrefix + unit)
}

// Load reads the unit's snapshot
func (b *Badger) Load(ctx context.Context) (*model.Snapshot, error) {
	if b.db.IsClosed() {
		return nil, ErrClosed
	}

	var snap *model.Snapshot
	err := b.db.View(func(tx *badger.Txn) error {
		var err error
		snap, err = b.get(tx)
		return err
	})
	return snap, err
}

// Save writes the unit's snapshot
func (b *Badger) Save(ctx context.Context, snap *model.Snapshot) error {
	if b.db.IsClosed() {
		return ErrClosed
	}
	return b.db.Update(func(tx *badger.Txn) error {
		return b.put(tx, snap)
	})
}

// AtomicUpsert replaces one record in a read-modify-write transaction
func (b *Badger) AtomicUpsert(ctx context.Context, rec *model.SentenceRecord) error {
	if b.db.IsClosed() {
		return ErrClosed
	}
	for {
		err := b.db.Update(func(tx *badger.Txn) error {
			snap, err := b.get(tx)
			if err != nil {
				return err
			}
			snap.Sentences[rec.ID] = rec.Clone()
			return b.put(tx, snap)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Debug().Str("sentence", rec.ID).Msg("ledger transaction conflict, retrying")
	}
}

// Close closes the database
func (b *Badger) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	return b.db.Close()
}

func (b *Badger) get(tx *badger.Txn) (*model.Snapshot, error) {
	item, err := tx.Get(snapshotKey(b.unit))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.NewSnapshot(b.unit), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var snap *model.Snapshot
	err = item.Value(func(val []byte) error {
		var derr error
		snap, derr = decodeSnapshot(b.unit, val, json.Unmarshal)
		return derr
	})
	return snap, err
}

func (b *Badger) put(tx *badger.Txn, snap *model.Snapshot) error {
	out := snap.Clone()
	out.Unit = b.unit
	out.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := tx.Set(snapshotKey(b.unit), data); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

func listBadgerUnits(path string, logger zerolog.Logger) ([]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	db, err := openBadgerDB(path, logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	var units []string
	err = db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(snapshotKeyPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			units = append(units, strings.TrimPrefix(string(iter.Item().Key()), snapshotKeyPrefix))
		}
		return nil
	})
	sort.Strings(units)
	return units, err
}
