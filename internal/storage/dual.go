package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/toolsweep/internal/aggregate"
)

// Format names one of the two storage layouts.
type Format string

const (
	Hierarchical Format = "hierarchical"
	Flat         Format = "flat"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case Hierarchical, Flat:
		return f, nil
	case "":
		return Hierarchical, nil
	}
	return "", fmt.Errorf("unknown storage format %q (want hierarchical or flat)", s)
}

func (f Format) other() Format {
	if f == Flat {
		return Hierarchical
	}
	return Flat
}

const (
	hierarchicalFile = "aggregate.json"
	flatFile         = "aggregate.db"
	lockFileName     = ".toolsweep.lock"
	journalDir       = "journal"
)

// Dual keeps the aggregate in both layouts under one directory. The
// primary layout is authoritative; the other is a projection rewritten
// from the same snapshot on every save.
type Dual struct {
	dir     string
	primary Format
	logger  *zap.Logger
}

func NewDual(dir string, primary Format, logger *zap.Logger) (*Dual, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if primary == "" {
		primary = Hierarchical
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &Dual{dir: dir, primary: primary, logger: logger}, nil
}

func (d *Dual) Primary() Format          { return d.primary }
func (d *Dual) HierarchicalPath() string { return filepath.Join(d.dir, hierarchicalFile) }
func (d *Dual) FlatPath() string         { return filepath.Join(d.dir, flatFile) }
func (d *Dual) JournalDir() string       { return filepath.Join(d.dir, journalDir) }

func (d *Dual) save(ctx context.Context, f Format, snap *aggregate.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f == Flat {
		return writeFlatFile(ctx, d.FlatPath(), snap)
	}
	return WriteSnapshotFile(d.HierarchicalPath(), snap)
}

func (d *Dual) load(ctx context.Context, f Format) (*aggregate.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f == Flat {
		return readFlatFile(ctx, d.FlatPath())
	}
	return ReadSnapshotFile(d.HierarchicalPath())
}

func (d *Dual) locked(exclusive bool, fn func() error) error {
	lock, err := LockFile(filepath.Join(d.dir, lockFileName), exclusive, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			d.logger.Warn("storage unlock failed", zap.Error(err))
		}
	}()
	return fn()
}

func (d *Dual) SaveHierarchical(ctx context.Context, snap *aggregate.Snapshot) error {
	return d.locked(true, func() error { return d.save(ctx, Hierarchical, snap) })
}

func (d *Dual) SaveFlat(ctx context.Context, snap *aggregate.Snapshot) error {
	return d.locked(true, func() error { return d.save(ctx, Flat, snap) })
}

// LoadHierarchical returns ErrNotFound when the document does not exist.
func (d *Dual) LoadHierarchical(ctx context.Context) (snap *aggregate.Snapshot, err error) {
	err = d.locked(false, func() error {
		snap, err = d.load(ctx, Hierarchical)
		return err
	})
	return snap, err
}

// LoadFlat returns ErrNotFound when the database does not exist.
func (d *Dual) LoadFlat(ctx context.Context) (snap *aggregate.Snapshot, err error) {
	err = d.locked(false, func() error {
		snap, err = d.load(ctx, Flat)
		return err
	})
	return snap, err
}

// Save writes the primary layout, then the projection. It implements
// aggregate.Persister.
func (d *Dual) Save(ctx context.Context, snap *aggregate.Snapshot) error {
	start := time.Now()
	err := d.locked(true, func() error {
		if err := d.save(ctx, d.primary, snap); err != nil {
			return fmt.Errorf("saving %s snapshot: %w", d.primary, err)
		}
		if err := d.save(ctx, d.primary.other(), snap); err != nil {
			return fmt.Errorf("saving %s projection: %w", d.primary.other(), err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.logger.Debug("saved snapshot",
		zap.String("dir", d.dir),
		zap.Int("buckets", len(snap.Tree)),
		zap.Uint64("journal_seq", snap.JournalSeq),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Load reads the primary layout. A missing file yields an empty snapshot.
func (d *Dual) Load(ctx context.Context) (snap *aggregate.Snapshot, err error) {
	err = d.locked(false, func() error {
		snap, err = d.loadOrEmpty(ctx, d.primary)
		return err
	})
	return snap, err
}

func (d *Dual) loadOrEmpty(ctx context.Context, f Format) (*aggregate.Snapshot, error) {
	snap, err := d.load(ctx, f)
	if errors.Is(err, ErrNotFound) {
		return aggregate.NewSnapshot(nil, 0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s snapshot: %w", f, err)
	}
	return snap, nil
}

var _ aggregate.Persister = (*Dual)(nil)
