package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Michael-24-wall/gridsync/internal/grid"
	"github.com/Michael-24-wall/gridsync/internal/persist"
	"github.com/Michael-24-wall/gridsync/internal/wire"
)

type fakeService struct {
	mu        sync.Mutex
	creates   []persist.CellCreate
	updates   []persist.CellPatch
	updateIDs []string
	createErr error
	updateErr error
	nextID    string
}

func (s *fakeService) GetSpreadsheet(ctx context.Context, spreadsheetID string) (persist.Spreadsheet, error) {
	return persist.Spreadsheet{}, nil
}

func (s *fakeService) GetSheet(ctx context.Context, sheetID string) ([]grid.Cell, error) {
	return nil, nil
}

func (s *fakeService) CreateCell(ctx context.Context, req persist.CellCreate) (grid.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates = append(s.creates, req)
	if s.createErr != nil {
		return grid.Cell{}, s.createErr
	}
	id := s.nextID
	if id == "" {
		id = "cell-created"
	}
	return grid.Cell{
		ServerID: id,
		SheetID:  req.SheetID,
		Row:      req.Row,
		Column:   req.Column,
		Value:    req.Value,
		Formula:  req.Formula,
		Style:    req.Style,
	}, nil
}

func (s *fakeService) UpdateCell(ctx context.Context, serverID string, req persist.CellPatch) (grid.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, req)
	s.updateIDs = append(s.updateIDs, serverID)
	if s.updateErr != nil {
		return grid.Cell{}, s.updateErr
	}
	return grid.Cell{ServerID: serverID}, nil
}

func (s *fakeService) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creates)
}

func (s *fakeService) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []wire.Event
	err    error
}

func (b *fakeBroadcaster) Send(ev wire.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, ev)
	return nil
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func newTestPipeline(svc *fakeService, bc *fakeBroadcaster, debounce time.Duration) (*Pipeline, *grid.Store) {
	store := grid.NewStore(grid.StoreOptions{})
	store.Reset("sheet-1", nil)
	var broadcaster Broadcaster
	if bc != nil {
		broadcaster = bc
	}
	pipe := New(Options{
		Store:       store,
		Service:     svc,
		Broadcaster: broadcaster,
		Debounce:    debounce,
	})
	return pipe, store
}

func TestEditIsOptimisticAndBroadcast(t *testing.T) {
	svc := &fakeService{}
	bc := &fakeBroadcaster{}
	pipe, store := newTestPipeline(svc, bc, time.Hour)

	if err := pipe.Edit(context.Background(), 1, 2, "42", ""); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}

	// The store reflects the edit before any persist call happens.
	cell, ok := store.Get(1, 2)
	if !ok || cell.Value != "42" {
		t.Fatalf("store not updated: ok=%v cell=%+v", ok, cell)
	}
	if svc.createCount() != 0 {
		t.Fatalf("persist must wait for the debounce window")
	}
	if bc.count() != 1 {
		t.Fatalf("broadcast count = %d, want 1", bc.count())
	}
	update, ok := bc.events[0].(wire.CellUpdate)
	if !ok || update.Row != 1 || update.Column != 2 {
		t.Fatalf("unexpected broadcast: %#v", bc.events[0])
	}
}

func TestDebounceCollapsesBurst(t *testing.T) {
	svc := &fakeService{nextID: "cell-1"}
	pipe, store := newTestPipeline(svc, nil, 20*time.Millisecond)

	ctx := context.Background()
	for _, value := range []string{"1", "12", "123"} {
		if err := pipe.Edit(ctx, 0, 0, value, ""); err != nil {
			t.Fatalf("Edit failed: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool { return svc.createCount() > 0 })
	time.Sleep(50 * time.Millisecond)

	if got := svc.createCount(); got != 1 {
		t.Fatalf("burst must collapse to one persist call, saw %d", got)
	}
	if svc.creates[0].Value != "123" {
		t.Fatalf("persisted value = %q, want the latest edit", svc.creates[0].Value)
	}

	// The server-assigned id is recorded on the optimistic cell.
	waitFor(t, time.Second, func() bool {
		cell, ok := store.Get(0, 0)
		return ok && cell.ServerID == "cell-1"
	})
}

func TestExistingCellPersistsAsUpdate(t *testing.T) {
	svc := &fakeService{}
	pipe, store := newTestPipeline(svc, nil, 10*time.Millisecond)
	store.Reset("sheet-1", []grid.Cell{{
		ServerID: "cell-9",
		SheetID:  "sheet-1",
		Row:      0,
		Column:   0,
		Value:    "old",
	}})

	if err := pipe.Edit(context.Background(), 0, 0, "new", ""); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return svc.updateCount() > 0 })
	if svc.createCount() != 0 {
		t.Fatalf("acknowledged cells must update, not create")
	}
	if svc.updateIDs[0] != "cell-9" {
		t.Fatalf("update targeted %q, want cell-9", svc.updateIDs[0])
	}
	if *svc.updates[0].Value != "new" {
		t.Fatalf("updated value = %q", *svc.updates[0].Value)
	}
}

func TestCreateFailureRollsBackToEmpty(t *testing.T) {
	svc := &fakeService{createErr: errors.New("db down")}
	pipe, store := newTestPipeline(svc, nil, 10*time.Millisecond)

	var (
		mu       sync.Mutex
		gotKey   grid.Key
		gotErr   error
		notified bool
	)
	pipe.onError = func(key grid.Key, err error) {
		mu.Lock()
		defer mu.Unlock()
		gotKey, gotErr, notified = key, err, true
	}

	if err := pipe.Edit(context.Background(), 3, 3, "doomed", ""); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return notified
	})

	mu.Lock()
	defer mu.Unlock()
	if gotKey != grid.KeyOf(3, 3) {
		t.Fatalf("error key = %v", gotKey)
	}
	if !errors.Is(gotErr, persist.ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", gotErr)
	}
	if _, ok := store.Get(3, 3); ok {
		t.Fatalf("failed create must remove the optimistic cell")
	}
}

func TestUpdateFailureRollsBackToSnapshot(t *testing.T) {
	svc := &fakeService{updateErr: errors.New("db down")}
	pipe, store := newTestPipeline(svc, nil, 10*time.Millisecond)
	store.Reset("sheet-1", []grid.Cell{{
		ServerID: "cell-9",
		SheetID:  "sheet-1",
		Row:      0,
		Column:   0,
		Value:    "before",
	}})

	if err := pipe.Edit(context.Background(), 0, 0, "after", ""); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		cell, ok := store.Get(0, 0)
		return ok && cell.Value == "before"
	})
}

func TestRollbackKeepsFirstSnapshotOfWindow(t *testing.T) {
	svc := &fakeService{updateErr: errors.New("db down")}
	pipe, store := newTestPipeline(svc, nil, 20*time.Millisecond)
	store.Reset("sheet-1", []grid.Cell{{
		ServerID: "cell-9",
		SheetID:  "sheet-1",
		Row:      0,
		Column:   0,
		Value:    "original",
	}})

	ctx := context.Background()
	// Several edits inside one window; rollback must land on the state
	// before the first of them, not an intermediate value.
	for _, value := range []string{"a", "ab", "abc"} {
		if err := pipe.Edit(ctx, 0, 0, value, ""); err != nil {
			t.Fatalf("Edit failed: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool {
		cell, ok := store.Get(0, 0)
		return ok && cell.Value == "original"
	})
}

func TestSetSheetCancelsPendingWrites(t *testing.T) {
	svc := &fakeService{}
	pipe, _ := newTestPipeline(svc, nil, 20*time.Millisecond)

	if err := pipe.Edit(context.Background(), 0, 0, "x", ""); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if pipe.PendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1", pipe.PendingCount())
	}

	pipe.SetSheet("sheet-2")
	if pipe.PendingCount() != 0 {
		t.Fatalf("sheet switch must cancel pending writes")
	}
	time.Sleep(60 * time.Millisecond)
	if svc.createCount() != 0 || svc.updateCount() != 0 {
		t.Fatalf("cancelled writes must never reach the service")
	}
}

func TestFlushFiresImmediately(t *testing.T) {
	svc := &fakeService{nextID: "cell-1"}
	pipe, _ := newTestPipeline(svc, nil, time.Hour)

	ctx := context.Background()
	if err := pipe.Edit(ctx, 0, 0, "x", ""); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if err := pipe.Edit(ctx, 1, 0, "y", ""); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}

	if err := pipe.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := svc.createCount(); got != 2 {
		t.Fatalf("flush persisted %d cells, want 2", got)
	}
	if pipe.PendingCount() != 0 {
		t.Fatalf("flush must drain the pending set")
	}
}

func TestBroadcastFailureDoesNotBlockPersist(t *testing.T) {
	svc := &fakeService{}
	bc := &fakeBroadcaster{err: errors.New("not connected")}
	pipe, _ := newTestPipeline(svc, bc, 10*time.Millisecond)

	if err := pipe.Edit(context.Background(), 0, 0, "x", ""); err != nil {
		t.Fatalf("Edit must succeed even when broadcast fails: %v", err)
	}
	waitFor(t, time.Second, func() bool { return svc.createCount() == 1 })
}

func TestApplyStyleKeepsValue(t *testing.T) {
	svc := &fakeService{}
	pipe, store := newTestPipeline(svc, nil, time.Hour)
	store.Reset("sheet-1", []grid.Cell{{
		ServerID: "cell-1",
		SheetID:  "sheet-1",
		Row:      0,
		Column:   0,
		Value:    "keep",
	}})

	keys := []grid.Key{grid.KeyOf(0, 0), grid.KeyOf(0, 1)}
	if err := pipe.ApplyStyle(context.Background(), keys, map[string]string{"bold": "true"}); err != nil {
		t.Fatalf("ApplyStyle failed: %v", err)
	}

	cell, _ := store.Get(0, 0)
	if cell.Value != "keep" || cell.Style["bold"] != "true" {
		t.Fatalf("unexpected cell: %+v", cell)
	}
	if pipe.PendingCount() != 2 {
		t.Fatalf("pending count = %d, want 2", pipe.PendingCount())
	}
}
