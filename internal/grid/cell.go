// Package grid holds the in-memory cell state for the active sheet: the
// cell model, coordinate keys, and the store that is the single write path
// visible to the UI layer.
package grid

import (
	"fmt"
	"time"
)

// DefaultMaxColumns bounds the grid width for local edits. Remote payloads
// are trusted and never clamped.
const DefaultMaxColumns = 26

// Key identifies a cell within one sheet.
type Key struct {
	Row    int
	Column int
}

func KeyOf(row, column int) Key {
	return Key{Row: row, Column: column}
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.Row, k.Column)
}

// Cell is the central entity of the engine. An empty ServerID means the
// cell has never been acknowledged by the persistence service and must be
// created rather than updated.
type Cell struct {
	ServerID  string            `json:"id,omitempty"`
	SheetID   string            `json:"sheet"`
	Row       int               `json:"row"`
	Column    int               `json:"column"`
	Value     string            `json:"value"`
	Formula   string            `json:"formula,omitempty"`
	Style     map[string]string `json:"style,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func (c Cell) Key() Key {
	return KeyOf(c.Row, c.Column)
}

func (c Cell) Pending() bool {
	return c.ServerID == ""
}

// Clone returns a copy with its own style map, so snapshots taken for
// rollback are not aliased to the live entry.
func (c Cell) Clone() Cell {
	out := c
	if c.Style != nil {
		out.Style = make(map[string]string, len(c.Style))
		for k, v := range c.Style {
			out.Style[k] = v
		}
	}
	return out
}

// CellPatch carries a partial local edit. Pointer fields distinguish "not
// provided" from "set to empty"; style entries merge key by key.
type CellPatch struct {
	Value   *string
	Formula *string
	Style   map[string]string
}

// RemoteUpdate is a cell payload that arrived over the replication channel.
// Row and Column are pointers because inbound payloads missing either are
// dropped rather than applied.
type RemoteUpdate struct {
	ServerID string
	SheetID  string
	Row      *int
	Column   *int
	Value    *string
	Formula  *string
	Style    map[string]string
}

func StringPtr(s string) *string { return &s }

func IntPtr(n int) *int { return &n }
