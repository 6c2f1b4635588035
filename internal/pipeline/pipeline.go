// Package pipeline turns a single user edit into three coordinated
// effects: an optimistic write to the cell store, a best-effort broadcast
// on the replication channel, and a debounced durable write to the
// persistence service with rollback on failure.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Michael-24-wall/gridsync/internal/grid"
	"github.com/Michael-24-wall/gridsync/internal/persist"
	"github.com/Michael-24-wall/gridsync/internal/wire"
)

const (
	DefaultDebounce = time.Second

	persistTimeout = 10 * time.Second
)

// Broadcaster emits an event on the replication channel. A send failure is
// skipped silently: broadcast is advisory, persistence is the durability
// path. channel.Channel satisfies it.
type Broadcaster interface {
	Send(ev wire.Event) error
}

// PersistErrorFunc is told about a failed debounced write after the store
// entry has been rolled back.
type PersistErrorFunc func(key grid.Key, err error)

type Options struct {
	Store          *grid.Store
	Service        persist.Service
	Broadcaster    Broadcaster
	Debounce       time.Duration
	OnPersistError PersistErrorFunc
	Logger         *zap.Logger
}

// Pipeline owns one pending write per coordinate. A new edit before the
// debounce timer fires replaces the pending payload; the pre-edit snapshot
// from the first edit of the window is kept for rollback.
type Pipeline struct {
	store    *grid.Store
	svc      persist.Service
	bc       Broadcaster
	debounce time.Duration
	onError  PersistErrorFunc
	logger   *zap.Logger

	mu      sync.Mutex
	sheetID string
	pending map[grid.Key]*pendingWrite
	flushWG sync.WaitGroup
}

type pendingWrite struct {
	timer    *time.Timer
	snapshot *grid.Cell
	sheetID  string
	value    string
	formula  string
	style    map[string]string
}

func New(opts Options) *Pipeline {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:    opts.Store,
		svc:      opts.Service,
		bc:       opts.Broadcaster,
		debounce: debounce,
		onError:  opts.OnPersistError,
		logger:   logger,
		sheetID:  opts.Store.SheetID(),
		pending:  map[grid.Key]*pendingWrite{},
	}
}

// SetSheet rebinds the pipeline to a new active sheet, cancelling every
// outstanding debounce timer so no write lands on a sheet that is no
// longer in view.
func (p *Pipeline) SetSheet(sheetID string) {
	p.CancelAll()
	p.mu.Lock()
	p.sheetID = sheetID
	p.mu.Unlock()
}

// Edit applies a user edit to (row, column): optimistic store write,
// advisory broadcast, and a (re)scheduled debounced persist.
func (p *Pipeline) Edit(ctx context.Context, row, column int, value, formula string) error {
	return p.apply(ctx, row, column, grid.CellPatch{
		Value:   grid.StringPtr(value),
		Formula: grid.StringPtr(formula),
	})
}

// ApplyStyle runs the full pipeline once per selected coordinate, keeping
// each cell's existing value.
func (p *Pipeline) ApplyStyle(ctx context.Context, keys []grid.Key, style map[string]string) error {
	for _, key := range keys {
		if err := p.apply(ctx, key.Row, key.Column, grid.CellPatch{Style: style}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) apply(_ context.Context, row, column int, patch grid.CellPatch) error {
	key := grid.KeyOf(row, column)

	var snapshot *grid.Cell
	if prev, ok := p.store.Lookup(key); ok {
		snapshot = &prev
	}

	cell, err := p.store.ApplyLocal(row, column, patch)
	if err != nil {
		return err
	}

	p.broadcast(cell)

	p.mu.Lock()
	defer p.mu.Unlock()
	pw, ok := p.pending[key]
	if ok {
		pw.timer.Stop()
	} else {
		pw = &pendingWrite{snapshot: snapshot}
		p.pending[key] = pw
	}
	pw.sheetID = p.sheetID
	pw.value = cell.Value
	pw.formula = cell.Formula
	pw.style = cell.Style
	pw.timer = time.AfterFunc(p.debounce, func() {
		p.flush(key)
	})
	return nil
}

func (p *Pipeline) broadcast(cell grid.Cell) {
	if p.bc == nil {
		return
	}
	ev := wire.CellUpdate{
		CellID:  cell.ServerID,
		SheetID: cell.SheetID,
		Row:     cell.Row,
		Column:  cell.Column,
		Value:   grid.StringPtr(cell.Value),
		Style:   cell.Style,
	}
	if cell.Formula != "" {
		ev.Formula = grid.StringPtr(cell.Formula)
	}
	if err := p.bc.Send(ev); err != nil {
		p.logger.Debug("broadcast skipped", zap.String("cell", cell.Key().String()), zap.Error(err))
	}
}

// Cancel discards the pending write for one coordinate without firing.
func (p *Pipeline) Cancel(key grid.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pw, ok := p.pending[key]; ok {
		pw.timer.Stop()
		delete(p.pending, key)
	}
}

// CancelAll discards every pending write; called on sheet switch and on
// unmount of the grid view.
func (p *Pipeline) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pw := range p.pending {
		pw.timer.Stop()
		delete(p.pending, key)
	}
}

// PendingCount reports how many coordinates have an armed debounce timer.
func (p *Pipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Flush fires every pending write immediately and waits for the persist
// calls to finish. Used by the CLI, where nothing keeps the process alive
// through a debounce window.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	keys := make([]grid.Key, 0, len(p.pending))
	for key, pw := range p.pending {
		pw.timer.Stop()
		keys = append(keys, key)
	}
	p.mu.Unlock()
	for _, key := range keys {
		p.flush(key)
	}
	done := make(chan struct{})
	go func() {
		p.flushWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Pipeline) flush(key grid.Key) {
	p.mu.Lock()
	pw, ok := p.pending[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, key)
	p.flushWG.Add(1)
	p.mu.Unlock()
	defer p.flushWG.Done()

	cell, exists := p.store.Lookup(key)
	if !exists || cell.SheetID != pw.sheetID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if cell.Pending() {
		created, err := p.svc.CreateCell(ctx, persist.CellCreate{
			SheetID: pw.sheetID,
			Row:     key.Row,
			Column:  key.Column,
			Value:   pw.value,
			Formula: pw.formula,
			Style:   pw.style,
		})
		if err != nil {
			p.rollback(key, pw, err)
			return
		}
		p.store.ConfirmServerID(key, created.ServerID)
		return
	}

	_, err := p.svc.UpdateCell(ctx, cell.ServerID, persist.CellPatch{
		Value:   grid.StringPtr(pw.value),
		Formula: grid.StringPtr(pw.formula),
		Style:   pw.style,
	})
	if err != nil {
		p.rollback(key, pw, err)
	}
}

// rollback restores the pre-edit snapshot so the UI never shows an edit
// that was silently lost. The write is not retried.
func (p *Pipeline) rollback(key grid.Key, pw *pendingWrite, cause error) {
	p.store.Revert(key, pw.snapshot)
	err := fmt.Errorf("%w: cell %s: %v", persist.ErrPersist, key, cause)
	p.logger.Warn("debounced persist failed; rolled back",
		zap.String("cell", key.String()),
		zap.Error(cause))
	if p.onError != nil {
		p.onError(key, err)
	}
}
