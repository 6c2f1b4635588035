// Package wire defines the replication channel protocol: a tagged union of
// JSON events discriminated by a "type" field, with a decode step that
// validates payload shape before any field is trusted.
package wire

// Type discriminates wire events.
type Type string

const (
	TypeHeartbeat         Type = "heartbeat"
	TypeHeartbeatAck      Type = "heartbeat_ack"
	TypeCellUpdate        Type = "cell_update"
	TypeCursorMove        Type = "cursor_move"
	TypeSelectionChange   Type = "selection_change"
	TypeSheetOperation    Type = "sheet_operation"
	TypeUserJoined        Type = "user_joined"
	TypeUserLeft          Type = "user_left"
	TypeOnlineUsers       Type = "online_users"
	TypeConnectionSuccess Type = "connection_success"
)

// Event is the closed set of messages carried over the channel.
type Event interface {
	EventType() Type
}

type Heartbeat struct {
	Timestamp int64
}

func (Heartbeat) EventType() Type { return TypeHeartbeat }

type HeartbeatAck struct{}

func (HeartbeatAck) EventType() Type { return TypeHeartbeatAck }

// CellUpdate travels in both directions. Value and Formula are pointers so
// a style-only update does not blank existing content on merge.
type CellUpdate struct {
	CellID    string
	SheetID   string
	Row       int
	Column    int
	Value     *string
	Formula   *string
	Style     map[string]string
	Timestamp int64
}

func (CellUpdate) EventType() Type { return TypeCellUpdate }

type CursorMove struct {
	CellID    string
	Position  string
	Timestamp int64
}

func (CursorMove) EventType() Type { return TypeCursorMove }

type SelectionChange struct {
	Selection string
	Timestamp int64
}

func (SelectionChange) EventType() Type { return TypeSelectionChange }

type SheetOperation struct {
	Operation string
	Details   map[string]any
	Timestamp int64
}

func (SheetOperation) EventType() Type { return TypeSheetOperation }

type UserJoined struct {
	UserID   string
	Username string
}

func (UserJoined) EventType() Type { return TypeUserJoined }

type UserLeft struct {
	UserID string
}

func (UserLeft) EventType() Type { return TypeUserLeft }

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type OnlineUsers struct {
	Users []User
}

func (OnlineUsers) EventType() Type { return TypeOnlineUsers }

type ConnectionSuccess struct{}

func (ConnectionSuccess) EventType() Type { return TypeConnectionSuccess }
