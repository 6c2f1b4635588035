// Package relayserver is the development and integration-test
// implementation of the two backends the engine consumes: the persistence
// REST surface for spreadsheets, sheets, and cells, and the per-spreadsheet
// sync endpoint that fans live events out to collaborators.
package relayserver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Michael-24-wall/gridsync/internal/grid"
)

// Store owns spreadsheet metadata and cells, mirrored to a StateBackend
// after every mutation.
type Store struct {
	mu           sync.Mutex
	backend      StateBackend
	spreadsheets map[string]*spreadsheetRecord
	cells        map[string]grid.Cell
	// byCoord maps sheetID + "/" + coordinate key to a cell server id.
	byCoord map[string]string
	now     func() time.Time
}

func NewStore(backend StateBackend) (*Store, error) {
	s := &Store{
		backend:      backend,
		spreadsheets: map[string]*spreadsheetRecord{},
		cells:        map[string]grid.Cell{},
		byCoord:      map[string]string{},
		now:          time.Now,
	}
	if backend != nil {
		state, err := backend.Load()
		if err != nil {
			return nil, fmt.Errorf("load relay state: %w", err)
		}
		if state != nil {
			if state.Spreadsheets != nil {
				s.spreadsheets = state.Spreadsheets
			}
			if state.Cells != nil {
				s.cells = state.Cells
			}
			for id, cell := range s.cells {
				s.byCoord[coordIndexKey(cell.SheetID, cell.Key())] = id
			}
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

type SpreadsheetView struct {
	ID     string      `json:"id"`
	Title  string      `json:"title"`
	Sheets []SheetView `json:"sheets"`
}

type SheetView struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	SpreadsheetID string `json:"spreadsheetId"`
}

// CreateSpreadsheet registers a spreadsheet with one sheet per title;
// a single "Sheet1" when none are given.
func (s *Store) CreateSpreadsheet(title string, sheetTitles []string) (SpreadsheetView, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return SpreadsheetView{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if len(sheetTitles) == 0 {
		sheetTitles = []string{"Sheet1"}
	}
	record := &spreadsheetRecord{
		ID:    "ss_" + uuid.NewString(),
		Title: title,
	}
	for _, sheetTitle := range sheetTitles {
		record.Sheets = append(record.Sheets, sheetRecord{
			ID:            "sheet_" + uuid.NewString(),
			Title:         sheetTitle,
			SpreadsheetID: record.ID,
		})
	}
	s.mu.Lock()
	s.spreadsheets[record.ID] = record
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return SpreadsheetView{}, err
	}
	return viewOf(record), nil
}

func (s *Store) GetSpreadsheet(id string) (SpreadsheetView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.spreadsheets[id]
	if !ok {
		return SpreadsheetView{}, fmt.Errorf("%w: spreadsheet %s", ErrNotFound, id)
	}
	return viewOf(record), nil
}

func (s *Store) HasSpreadsheet(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.spreadsheets[id]
	return ok
}

func (s *Store) hasSheet(sheetID string) bool {
	for _, record := range s.spreadsheets {
		for _, sheet := range record.Sheets {
			if sheet.ID == sheetID {
				return true
			}
		}
	}
	return false
}

// SheetCells lists a sheet's cells ordered by coordinate.
func (s *Store) SheetCells(sheetID string) ([]grid.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSheet(sheetID) {
		return nil, fmt.Errorf("%w: sheet %s", ErrNotFound, sheetID)
	}
	out := make([]grid.Cell, 0)
	for _, cell := range s.cells {
		if cell.SheetID == sheetID {
			out = append(out, cell.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Column < out[j].Column
	})
	return out, nil
}

// CreateCell assigns a server id and stores the cell. Creating at an
// occupied coordinate updates the existing cell in place, so clients that
// raced their first write converge on one server id.
func (s *Store) CreateCell(sheetID string, row, column int, value, formula string, style map[string]string) (grid.Cell, error) {
	if row < 0 || column < 0 {
		return grid.Cell{}, fmt.Errorf("%w: coordinate (%d,%d)", ErrInvalidInput, row, column)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSheet(sheetID) {
		return grid.Cell{}, fmt.Errorf("%w: sheet %s", ErrNotFound, sheetID)
	}
	index := coordIndexKey(sheetID, grid.KeyOf(row, column))
	if existingID, ok := s.byCoord[index]; ok {
		cell := s.cells[existingID]
		cell.Value = value
		cell.Formula = formula
		cell.Style = mergeStyle(cell.Style, style)
		cell.UpdatedAt = s.now()
		s.cells[existingID] = cell
		if err := s.saveLocked(); err != nil {
			return grid.Cell{}, err
		}
		return cell.Clone(), nil
	}
	cell := grid.Cell{
		ServerID:  "cell_" + uuid.NewString(),
		SheetID:   sheetID,
		Row:       row,
		Column:    column,
		Value:     value,
		Formula:   formula,
		Style:     mergeStyle(nil, style),
		UpdatedAt: s.now(),
	}
	s.cells[cell.ServerID] = cell
	s.byCoord[index] = cell.ServerID
	if err := s.saveLocked(); err != nil {
		return grid.Cell{}, err
	}
	return cell.Clone(), nil
}

// PatchCell applies a partial update to an existing cell by server id.
func (s *Store) PatchCell(serverID string, value, formula *string, style map[string]string) (grid.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cell, ok := s.cells[serverID]
	if !ok {
		return grid.Cell{}, fmt.Errorf("%w: cell %s", ErrNotFound, serverID)
	}
	if value != nil {
		cell.Value = *value
	}
	if formula != nil {
		cell.Formula = *formula
	}
	cell.Style = mergeStyle(cell.Style, style)
	cell.UpdatedAt = s.now()
	s.cells[serverID] = cell
	if err := s.saveLocked(); err != nil {
		return grid.Cell{}, err
	}
	return cell.Clone(), nil
}

func (s *Store) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Save(&persistedState{
		Spreadsheets: s.spreadsheets,
		Cells:        s.cells,
	})
}

func viewOf(record *spreadsheetRecord) SpreadsheetView {
	view := SpreadsheetView{ID: record.ID, Title: record.Title}
	for _, sheet := range record.Sheets {
		view.Sheets = append(view.Sheets, SheetView(sheet))
	}
	return view
}

func coordIndexKey(sheetID string, key grid.Key) string {
	return sheetID + "/" + key.String()
}

func mergeStyle(existing, patch map[string]string) map[string]string {
	if len(patch) == 0 {
		return existing
	}
	if existing == nil {
		existing = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		existing[k] = v
	}
	return existing
}
