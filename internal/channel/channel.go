// Package channel maintains the live connection to the sync endpoint for a
// spreadsheet: an explicit connect/reconnect state machine with a bounded
// retry budget, heartbeat on open, and typed event dispatch in both
// directions. Outbound sends are best-effort; nothing is buffered while
// disconnected; durability belongs to the persistence service.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/Michael-24-wall/gridsync/internal/auth"
	"github.com/Michael-24-wall/gridsync/internal/wire"
)

var (
	ErrNotConnected     = errors.New("channel not connected")
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultMaxReconnects  = 5

	dialTimeout  = 15 * time.Second
	writeTimeout = 10 * time.Second
)

// State is the channel lifecycle. StateClosed is terminal: it is reached
// by an intentional Disconnect or after the retry budget is spent, and a
// fresh Connect is the manual-retry path out of it.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handlers receives channel callbacks. All callbacks are invoked from the
// channel's own goroutines; handlers must not block for long.
type Handlers struct {
	OnEvent       func(wire.Event)
	OnError       func(error)
	OnStateChange func(State)
}

type Config struct {
	// Endpoint is the sync server base URL, e.g. "ws://127.0.0.1:8080".
	Endpoint string
	// Tokens supplies the handshake credential. Connect fails fast when
	// no credential is available.
	Tokens auth.TokenSource
	// ReconnectDelay separates reconnect attempts after abnormal closure.
	ReconnectDelay time.Duration
	// MaxReconnects bounds consecutive failed reconnect attempts before
	// the channel reports ErrRetriesExhausted and goes terminal.
	MaxReconnects int
	Dialer        Dialer
	Logger        *zap.Logger
}

type Channel struct {
	cfg Config

	mu            sync.Mutex
	state         State
	conn          Conn
	spreadsheetID string
	handlers      Handlers
	attempts      int
	generation    uint64
	closing       bool
	reconnect     *time.Timer
}

func New(cfg Config) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.Dialer == nil {
		cfg.Dialer = defaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Channel{cfg: cfg}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection for a spreadsheet. An existing live
// connection is torn down first; only one is open at a time. The initial
// dial failure is returned to the caller rather than retried; automatic
// reconnection applies only to abnormal closures of an established
// connection.
func (c *Channel) Connect(ctx context.Context, spreadsheetID string, handlers Handlers) error {
	token, err := c.cfg.Tokens.Token()
	if err != nil {
		return fmt.Errorf("connect %s: %w", spreadsheetID, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "superseded")
		c.conn = nil
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.generation++
	generation := c.generation
	c.spreadsheetID = spreadsheetID
	c.handlers = handlers
	c.attempts = 0
	c.closing = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := c.cfg.Dialer(dialCtx, c.syncURL(spreadsheetID, token))
	if err != nil {
		c.mu.Lock()
		if c.generation == generation {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", spreadsheetID, err)
	}

	c.mu.Lock()
	if c.generation != generation || c.closing {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	c.conn = conn
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.sendHeartbeat(conn)
	go c.readLoop(generation, conn)
	return nil
}

// Send emits an event if the channel is connected. It never buffers:
// while disconnected the event is dropped and ErrNotConnected returned.
func (c *Channel) Send(ev wire.Event) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	data, err := wire.Encode(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, data)
}

// Disconnect closes with the normal close code so no reconnect triggers.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closing = true
	c.generation++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

func (c *Channel) syncURL(spreadsheetID, token string) string {
	base := c.cfg.Endpoint
	return fmt.Sprintf("%s/v1/spreadsheets/%s/sync?token=%s",
		base, url.PathEscape(spreadsheetID), url.QueryEscape(token))
}

func (c *Channel) sendHeartbeat(conn Conn) {
	data, err := wire.Encode(wire.Heartbeat{})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		c.cfg.Logger.Debug("heartbeat write failed", zap.Error(err))
	}
}

func (c *Channel) readLoop(generation uint64, conn Conn) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			c.handleClosure(generation, err)
			return
		}
		ev, err := wire.Decode(data)
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrUnknownType):
				c.cfg.Logger.Warn("ignoring unknown event type", zap.Error(err))
			case errors.Is(err, wire.ErrMalformedEvent):
				c.cfg.Logger.Warn("dropping malformed event", zap.Error(err))
			default:
				c.cfg.Logger.Warn("dropping undecodable event", zap.Error(err))
			}
			continue
		}
		c.mu.Lock()
		handlers := c.handlers
		stale := c.generation != generation
		c.mu.Unlock()
		if stale {
			return
		}
		if handlers.OnEvent != nil {
			handlers.OnEvent(ev)
		}
	}
}

func (c *Channel) handleClosure(generation uint64, cause error) {
	c.mu.Lock()
	if c.generation != generation || c.closing {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	status := websocket.CloseStatus(cause)
	if status == websocket.StatusNormalClosure {
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		return
	}
	c.cfg.Logger.Info("connection lost",
		zap.String("spreadsheet", c.spreadsheetID),
		zap.Int("closeStatus", int(status)),
		zap.Error(cause))
	c.setStateLocked(StateDisconnected)
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

// scheduleReconnectLocked arms the reconnect timer, or goes terminal when
// the retry budget is spent. Caller holds c.mu.
func (c *Channel) scheduleReconnectLocked() {
	if c.attempts >= c.cfg.MaxReconnects {
		c.setStateLocked(StateClosed)
		handlers := c.handlers
		if handlers.OnError != nil {
			go handlers.OnError(fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, c.attempts))
		}
		return
	}
	c.attempts++
	generation := c.generation
	c.reconnect = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.redial(generation)
	})
}

func (c *Channel) redial(generation uint64) {
	c.mu.Lock()
	if c.generation != generation || c.closing {
		c.mu.Unlock()
		return
	}
	spreadsheetID := c.spreadsheetID
	attempt := c.attempts
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	token, err := c.cfg.Tokens.Token()
	if err != nil {
		c.failRedial(generation, err)
		return
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := c.cfg.Dialer(dialCtx, c.syncURL(spreadsheetID, token))
	if err != nil {
		c.cfg.Logger.Info("reconnect attempt failed",
			zap.String("spreadsheet", spreadsheetID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		c.failRedial(generation, err)
		return
	}

	c.mu.Lock()
	if c.generation != generation || c.closing {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	c.conn = conn
	c.attempts = 0
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.sendHeartbeat(conn)
	go c.readLoop(generation, conn)
}

func (c *Channel) failRedial(generation uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation || c.closing {
		return
	}
	c.cfg.Logger.Debug("redial failed", zap.Error(cause))
	c.setStateLocked(StateDisconnected)
	c.scheduleReconnectLocked()
}

func (c *Channel) setStateLocked(next State) {
	if c.state == next {
		return
	}
	c.state = next
	handlers := c.handlers
	if handlers.OnStateChange != nil {
		go handlers.OnStateChange(next)
	}
}
