package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrLoad        = errors.New("sheet load failed")
	ErrOutOfBounds = errors.New("coordinate out of bounds")
)

// Loader fetches the full cell list for a sheet from the persistence
// service. persist.Client satisfies it.
type Loader interface {
	GetSheet(ctx context.Context, sheetID string) ([]Cell, error)
}

// Store is the authoritative client-side map of coordinates to cells for
// the currently loaded sheet. It is mutated only by the local mutation
// pipeline and the replication channel's inbound dispatch.
type Store struct {
	mu         sync.RWMutex
	sheetID    string
	cells      map[Key]Cell
	maxColumns int
	now        func() time.Time
	logger     *zap.Logger
}

type StoreOptions struct {
	MaxColumns int
	Logger     *zap.Logger
}

func NewStore(opts StoreOptions) *Store {
	maxColumns := opts.MaxColumns
	if maxColumns <= 0 {
		maxColumns = DefaultMaxColumns
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cells:      map[Key]Cell{},
		maxColumns: maxColumns,
		now:        time.Now,
		logger:     logger,
	}
}

// Load rebuilds the store from the persistence service. On failure the
// store is emptied rather than left stale, and the error wraps ErrLoad.
func (s *Store) Load(ctx context.Context, loader Loader, sheetID string) error {
	cells, err := loader.GetSheet(ctx, sheetID)
	if err != nil {
		s.Reset(sheetID, nil)
		return fmt.Errorf("%w: sheet %s: %v", ErrLoad, sheetID, err)
	}
	s.Reset(sheetID, cells)
	return nil
}

// Reset replaces the entire store contents with the given cells.
func (s *Store) Reset(sheetID string, cells []Cell) {
	next := make(map[Key]Cell, len(cells))
	for _, cell := range cells {
		if cell.Row < 0 || cell.Column < 0 {
			continue
		}
		next[cell.Key()] = cell.Clone()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sheetID = sheetID
	s.cells = next
}

func (s *Store) SheetID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sheetID
}

func (s *Store) MaxColumns() int {
	return s.maxColumns
}

func (s *Store) Get(row, column int) (Cell, bool) {
	return s.Lookup(KeyOf(row, column))
}

func (s *Store) Lookup(key Key) (Cell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cell, ok := s.cells[key]
	if !ok {
		return Cell{}, false
	}
	return cell.Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells)
}

// Snapshot returns a copy of every cell keyed by coordinate.
func (s *Store) Snapshot() map[Key]Cell {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Key]Cell, len(s.cells))
	for key, cell := range s.cells {
		out[key] = cell.Clone()
	}
	return out
}

// ApplyLocal merges an edit into the cell at (row, column), creating a
// transient cell when the coordinate is empty, and stamps UpdatedAt.
func (s *Store) ApplyLocal(row, column int, patch CellPatch) (Cell, error) {
	if row < 0 || column < 0 || column >= s.maxColumns {
		return Cell{}, fmt.Errorf("%w: (%d,%d)", ErrOutOfBounds, row, column)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := KeyOf(row, column)
	cell, ok := s.cells[key]
	if !ok {
		cell = Cell{SheetID: s.sheetID, Row: row, Column: column}
	}
	mergePatch(&cell, patch)
	cell.UpdatedAt = s.now()
	s.cells[key] = cell
	return cell.Clone(), nil
}

// ApplyRemote merges a payload that arrived over the replication channel.
// Malformed payloads (missing row or column, or negative coordinates) are
// dropped silently; the bool reports whether the update was applied.
func (s *Store) ApplyRemote(u RemoteUpdate) (Cell, bool) {
	if u.Row == nil || u.Column == nil || *u.Row < 0 || *u.Column < 0 {
		s.logger.Debug("dropping malformed remote cell update",
			zap.String("sheet", u.SheetID))
		return Cell{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := KeyOf(*u.Row, *u.Column)
	cell, ok := s.cells[key]
	if !ok {
		cell = Cell{SheetID: s.sheetID, Row: *u.Row, Column: *u.Column}
	}
	if u.ServerID != "" {
		cell.ServerID = u.ServerID
	}
	mergePatch(&cell, CellPatch{Value: u.Value, Formula: u.Formula, Style: u.Style})
	cell.UpdatedAt = s.now()
	s.cells[key] = cell
	return cell.Clone(), true
}

// ConfirmServerID records the identifier assigned by the persistence
// service after a create succeeds.
func (s *Store) ConfirmServerID(key Key, serverID string) (Cell, bool) {
	if serverID == "" {
		return Cell{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cell, ok := s.cells[key]
	if !ok {
		return Cell{}, false
	}
	cell.ServerID = serverID
	s.cells[key] = cell
	return cell.Clone(), true
}

// Revert restores a coordinate to its pre-edit snapshot. A nil snapshot
// removes the transient entry created by the failed edit.
func (s *Store) Revert(key Key, prev *Cell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev == nil {
		delete(s.cells, key)
		return
	}
	s.cells[key] = prev.Clone()
}

func mergePatch(cell *Cell, patch CellPatch) {
	if patch.Value != nil {
		cell.Value = *patch.Value
	}
	if patch.Formula != nil {
		cell.Formula = *patch.Formula
	}
	if len(patch.Style) > 0 {
		if cell.Style == nil {
			cell.Style = make(map[string]string, len(patch.Style))
		}
		for k, v := range patch.Style {
			cell.Style[k] = v
		}
	}
}
