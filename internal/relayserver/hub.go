package relayserver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/Michael-24-wall/gridsync/internal/wire"
)

const hubWriteTimeout = 10 * time.Second

// hub is the fan-out point for one spreadsheet: every subscriber is a
// live sync connection, and events from one collaborator are forwarded to
// all the others.
type hub struct {
	spreadsheetID string
	logger        *zap.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn     *websocket.Conn
	userID   string
	username string

	writeMu sync.Mutex
}

func newHub(spreadsheetID string, logger *zap.Logger) *hub {
	return &hub{
		spreadsheetID: spreadsheetID,
		logger:        logger,
		subs:          map[*subscriber]struct{}{},
	}
}

func (h *hub) roster() []wire.User {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := make([]wire.User, 0, len(h.subs))
	for sub := range h.subs {
		users = append(users, wire.User{ID: sub.userID, Username: sub.username})
	}
	return users
}

func (h *hub) add(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *hub) empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs) == 0
}

// broadcast sends an event to every subscriber except the originator.
func (h *hub) broadcast(from *subscriber, ev wire.Event) {
	data, err := wire.Encode(ev)
	if err != nil {
		h.logger.Warn("encode broadcast failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		if sub != from {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range targets {
		sub.write(data)
	}
}

func (s *subscriber) write(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), hubWriteTimeout)
	defer cancel()
	_ = s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *subscriber) send(ev wire.Event) {
	data, err := wire.Encode(ev)
	if err != nil {
		return
	}
	s.write(data)
}
