// Package session wires the engine together for one open spreadsheet: it
// loads the active sheet into the cell store, connects the replication
// channel, and routes inbound events to the store and presence tracker.
// Remote updates merge straight into the store; they never re-enter the
// mutation pipeline, so no persistence call is triggered locally.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Michael-24-wall/gridsync/internal/channel"
	"github.com/Michael-24-wall/gridsync/internal/grid"
	"github.com/Michael-24-wall/gridsync/internal/persist"
	"github.com/Michael-24-wall/gridsync/internal/pipeline"
	"github.com/Michael-24-wall/gridsync/internal/presence"
	"github.com/Michael-24-wall/gridsync/internal/wire"
)

var ErrNoSheets = errors.New("spreadsheet has no sheets")

type Options struct {
	Service persist.Service
	Channel *channel.Channel
	// Debounce overrides the pipeline's persistence debounce window.
	Debounce time.Duration
	// MaxColumns bounds the grid width for local edits.
	MaxColumns int
	// OnEvent observes every decoded inbound event, after dispatch.
	OnEvent func(wire.Event)
	// OnPersistError is notified after a failed debounced write has been
	// rolled back.
	OnPersistError pipeline.PersistErrorFunc
	// OnChannelError receives terminal channel failures, e.g. the retry
	// budget running out.
	OnChannelError func(error)
	Logger         *zap.Logger
}

type Session struct {
	svc    persist.Service
	ch     *channel.Channel
	store  *grid.Store
	pipe   *pipeline.Pipeline
	pres   *presence.Tracker
	logger *zap.Logger

	onEvent        func(wire.Event)
	onChannelError func(error)

	mu          sync.Mutex
	spreadsheet persist.Spreadsheet
	activeSheet string
	loadGen     uint64
	opened      bool
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := grid.NewStore(grid.StoreOptions{
		MaxColumns: opts.MaxColumns,
		Logger:     logger,
	})
	pipe := pipeline.New(pipeline.Options{
		Store:          store,
		Service:        opts.Service,
		Broadcaster:    opts.Channel,
		Debounce:       opts.Debounce,
		OnPersistError: opts.OnPersistError,
		Logger:         logger,
	})
	return &Session{
		svc:            opts.Service,
		ch:             opts.Channel,
		store:          store,
		pipe:           pipe,
		pres:           presence.NewTracker(),
		logger:         logger,
		onEvent:        opts.OnEvent,
		onChannelError: opts.OnChannelError,
	}
}

func (s *Session) Store() *grid.Store           { return s.store }
func (s *Session) Pipeline() *pipeline.Pipeline { return s.pipe }
func (s *Session) Presence() *presence.Tracker  { return s.pres }
func (s *Session) Channel() *channel.Channel    { return s.ch }

func (s *Session) Spreadsheet() persist.Spreadsheet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spreadsheet
}

func (s *Session) ActiveSheet() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSheet
}

// Open loads a spreadsheet's first sheet and connects the replication
// channel. Opening a second spreadsheet tears down the previous channel
// first: only one connection is live at a time.
func (s *Session) Open(ctx context.Context, spreadsheetID string) error {
	s.mu.Lock()
	wasOpened := s.opened
	s.mu.Unlock()
	if wasOpened {
		s.Close()
	}

	sp, err := s.svc.GetSpreadsheet(ctx, spreadsheetID)
	if err != nil {
		return fmt.Errorf("open spreadsheet %s: %w", spreadsheetID, err)
	}
	if len(sp.Sheets) == 0 {
		return fmt.Errorf("open spreadsheet %s: %w", spreadsheetID, ErrNoSheets)
	}
	sheetID := sp.Sheets[0].ID

	s.mu.Lock()
	s.spreadsheet = sp
	s.activeSheet = sheetID
	s.opened = true
	s.mu.Unlock()

	s.pipe.SetSheet(sheetID)
	if err := s.loadSheet(ctx, sheetID); err != nil {
		return err
	}

	if err := s.ch.Connect(ctx, spreadsheetID, channel.Handlers{
		OnEvent:       s.dispatch,
		OnError:       s.handleChannelError,
		OnStateChange: s.handleState,
	}); err != nil {
		return err
	}
	return nil
}

// SwitchSheet discards the in-memory cell store, cancels outstanding
// debounce timers, and reloads from the persistence service.
func (s *Session) SwitchSheet(ctx context.Context, sheetID string) error {
	s.mu.Lock()
	s.activeSheet = sheetID
	s.mu.Unlock()
	s.pipe.SetSheet(sheetID)
	return s.loadSheet(ctx, sheetID)
}

// loadSheet fetches cells under a load generation: if another load (or a
// sheet switch) started after this one, the late-arriving result is
// discarded instead of applied.
func (s *Session) loadSheet(ctx context.Context, sheetID string) error {
	s.mu.Lock()
	s.loadGen++
	gen := s.loadGen
	s.mu.Unlock()

	cells, err := s.svc.GetSheet(ctx, sheetID)

	s.mu.Lock()
	stale := gen != s.loadGen
	s.mu.Unlock()
	if stale {
		s.logger.Debug("discarding stale sheet load", zap.String("sheet", sheetID))
		return nil
	}
	if err != nil {
		s.store.Reset(sheetID, nil)
		return fmt.Errorf("%w: sheet %s: %v", grid.ErrLoad, sheetID, err)
	}
	s.store.Reset(sheetID, cells)
	return nil
}

// Close cancels pending writes, disconnects the channel with the normal
// close code, and clears presence.
func (s *Session) Close() {
	s.pipe.CancelAll()
	s.ch.Disconnect()
	s.pres.Reset()
	s.mu.Lock()
	s.opened = false
	s.mu.Unlock()
}

func (s *Session) dispatch(ev wire.Event) {
	switch typed := ev.(type) {
	case wire.CellUpdate:
		s.applyRemoteCell(typed)
	case wire.UserJoined, wire.UserLeft, wire.OnlineUsers:
		s.pres.Apply(ev)
	case wire.HeartbeatAck, wire.ConnectionSuccess:
	default:
		s.logger.Debug("ignoring unhandled event", zap.String("type", string(ev.EventType())))
	}
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func (s *Session) applyRemoteCell(ev wire.CellUpdate) {
	s.mu.Lock()
	active := s.activeSheet
	s.mu.Unlock()
	if ev.SheetID != "" && ev.SheetID != active {
		s.logger.Debug("ignoring cell update for inactive sheet",
			zap.String("sheet", ev.SheetID))
		return
	}
	s.store.ApplyRemote(grid.RemoteUpdate{
		ServerID: ev.CellID,
		SheetID:  ev.SheetID,
		Row:      grid.IntPtr(ev.Row),
		Column:   grid.IntPtr(ev.Column),
		Value:    ev.Value,
		Formula:  ev.Formula,
		Style:    ev.Style,
	})
}

func (s *Session) handleState(state channel.State) {
	if state != channel.StateConnected {
		s.pres.Reset()
	}
}

func (s *Session) handleChannelError(err error) {
	s.logger.Warn("replication channel error", zap.Error(err))
	if s.onChannelError != nil {
		s.onChannelError(err)
	}
}
