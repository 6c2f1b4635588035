// Package controller maps discrete user input (clicks and keystrokes) onto
// the mutation pipeline, and tracks which cell is selected or being
// edited. A single click both selects a coordinate and opens it for
// editing with the committed value pre-filled.
package controller

import (
	"context"
	"strings"
	"sync"

	"github.com/Michael-24-wall/gridsync/internal/grid"
)

// InputKey is the subset of keyboard input the grid reacts to.
type InputKey int

const (
	KeyEnter InputKey = iota
	KeyTab
	KeyEscape
)

// Editor is the pipeline surface the controller drives.
type Editor interface {
	Edit(ctx context.Context, row, column int, value, formula string) error
	ApplyStyle(ctx context.Context, keys []grid.Key, style map[string]string) error
}

// CellReader is the read path into the cell store.
type CellReader interface {
	Get(row, column int) (grid.Cell, bool)
}

type Options struct {
	MaxColumns int
}

type Controller struct {
	store      CellReader
	editor     Editor
	maxColumns int

	mu        sync.Mutex
	selection grid.Key
	rangeEnd  *grid.Key
	editing   bool
	draft     string
	committed string
}

func New(store CellReader, editor Editor, opts Options) *Controller {
	maxColumns := opts.MaxColumns
	if maxColumns <= 0 {
		maxColumns = grid.DefaultMaxColumns
	}
	return &Controller{
		store:      store,
		editor:     editor,
		maxColumns: maxColumns,
	}
}

// Click selects a coordinate and opens it for editing, committing any
// in-progress edit first.
func (c *Controller) Click(ctx context.Context, row, column int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.commitLocked(ctx); err != nil {
		return err
	}
	c.beginEditLocked(row, column)
	return nil
}

// PressKey handles edit confirmation and navigation. Enter commits and
// advances to the next row, Tab commits and advances to the next column,
// Escape discards the in-progress draft without touching the pipeline.
func (c *Controller) PressKey(ctx context.Context, key InputKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch key {
	case KeyEnter:
		if err := c.commitLocked(ctx); err != nil {
			return err
		}
		c.beginEditLocked(c.selection.Row+1, c.selection.Column)
	case KeyTab:
		if err := c.commitLocked(ctx); err != nil {
			return err
		}
		next := c.selection.Column + 1
		if next >= c.maxColumns {
			next = c.maxColumns - 1
		}
		c.beginEditLocked(c.selection.Row, next)
	case KeyEscape:
		c.draft = c.committed
	}
	return nil
}

// Blur commits the in-progress edit and leaves edit mode.
func (c *Controller) Blur(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.commitLocked(ctx); err != nil {
		return err
	}
	c.editing = false
	return nil
}

func (c *Controller) SetDraft(draft string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = draft
}

func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

func (c *Controller) Selection() grid.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selection
}

func (c *Controller) Editing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editing
}

// SelectRange extends the selection from the current anchor to end,
// without opening an editor.
func (c *Controller) SelectRange(end grid.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rangeEnd = &end
}

// SelectedKeys returns every coordinate in the current selection, a single
// cell when no range is active.
func (c *Controller) SelectedKeys() []grid.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedKeysLocked()
}

// ApplyStyleToSelection formats every selected cell through the pipeline.
func (c *Controller) ApplyStyleToSelection(ctx context.Context, style map[string]string) error {
	c.mu.Lock()
	keys := c.selectedKeysLocked()
	c.mu.Unlock()
	return c.editor.ApplyStyle(ctx, keys, style)
}

func (c *Controller) selectedKeysLocked() []grid.Key {
	if c.rangeEnd == nil {
		return []grid.Key{c.selection}
	}
	r1, r2 := ordered(c.selection.Row, c.rangeEnd.Row)
	c1, c2 := ordered(c.selection.Column, c.rangeEnd.Column)
	keys := make([]grid.Key, 0, (r2-r1+1)*(c2-c1+1))
	for row := r1; row <= r2; row++ {
		for col := c1; col <= c2; col++ {
			keys = append(keys, grid.KeyOf(row, col))
		}
	}
	return keys
}

func (c *Controller) beginEditLocked(row, column int) {
	if row < 0 {
		row = 0
	}
	if column < 0 {
		column = 0
	}
	c.selection = grid.KeyOf(row, column)
	c.rangeEnd = nil
	c.editing = true
	value := ""
	if cell, ok := c.store.Get(row, column); ok {
		if cell.Formula != "" {
			value = cell.Formula
		} else {
			value = cell.Value
		}
	}
	c.draft = value
	c.committed = value
}

// commitLocked invokes the pipeline only when the draft differs from the
// last committed value, so navigating across cells issues no redundant
// writes.
func (c *Controller) commitLocked(ctx context.Context) error {
	if !c.editing || c.draft == c.committed {
		return nil
	}
	formula := ""
	if strings.HasPrefix(c.draft, "=") {
		formula = c.draft
	}
	if err := c.editor.Edit(ctx, c.selection.Row, c.selection.Column, c.draft, formula); err != nil {
		return err
	}
	c.committed = c.draft
	return nil
}

func ordered(a, b int) (int, int) {
	if a <= b {
		return a, b
	}
	return b, a
}
