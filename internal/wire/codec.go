package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownType    = errors.New("unknown event type")
)

// Decode parses an inbound payload into its typed variant. Payloads with
// an unrecognized type return ErrUnknownType so callers can log and drop
// them; payloads failing schema validation return ErrMalformedEvent.
// Row and column values arriving as JSON numbers or numeric strings are
// coerced to integers.
func Decode(data []byte) (Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	obj, ok := inst.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedEvent)
	}
	rawType, _ := obj["type"].(string)
	if rawType == "" {
		return nil, fmt.Errorf("%w: missing type discriminator", ErrMalformedEvent)
	}
	typ := Type(rawType)
	schema, known, err := schemaFor(typ)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, rawType)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, rawType, err)
	}

	switch typ {
	case TypeHeartbeat:
		return Heartbeat{Timestamp: asInt64(obj["timestamp"])}, nil
	case TypeHeartbeatAck:
		return HeartbeatAck{}, nil
	case TypeConnectionSuccess:
		return ConnectionSuccess{}, nil
	case TypeCellUpdate:
		return decodeCellUpdate(obj)
	case TypeCursorMove:
		return CursorMove{
			CellID:    asString(obj["cell_id"]),
			Position:  asString(obj["position"]),
			Timestamp: asInt64(obj["timestamp"]),
		}, nil
	case TypeSelectionChange:
		return SelectionChange{
			Selection: asString(obj["selection"]),
			Timestamp: asInt64(obj["timestamp"]),
		}, nil
	case TypeSheetOperation:
		details, _ := obj["details"].(map[string]any)
		return SheetOperation{
			Operation: asString(obj["operation"]),
			Details:   details,
			Timestamp: asInt64(obj["timestamp"]),
		}, nil
	case TypeUserJoined:
		return UserJoined{
			UserID:   asString(obj["user_id"]),
			Username: asString(obj["username"]),
		}, nil
	case TypeUserLeft:
		return UserLeft{UserID: asString(obj["user_id"])}, nil
	case TypeOnlineUsers:
		return decodeOnlineUsers(obj)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, rawType)
	}
}

func decodeCellUpdate(obj map[string]any) (Event, error) {
	row, ok := asInt(obj["row"])
	if !ok {
		return nil, fmt.Errorf("%w: cell_update: row is not an integer", ErrMalformedEvent)
	}
	column, ok := asInt(obj["column"])
	if !ok {
		return nil, fmt.Errorf("%w: cell_update: column is not an integer", ErrMalformedEvent)
	}
	ev := CellUpdate{
		CellID:    asString(obj["cell_id"]),
		SheetID:   asString(obj["sheet"]),
		Row:       row,
		Column:    column,
		Timestamp: asInt64(obj["timestamp"]),
	}
	if raw, present := obj["value"]; present {
		value := asString(raw)
		ev.Value = &value
	}
	if raw, present := obj["formula"]; present {
		formula := asString(raw)
		ev.Formula = &formula
	}
	if rawStyle, ok := obj["style"].(map[string]any); ok {
		ev.Style = make(map[string]string, len(rawStyle))
		for k, v := range rawStyle {
			ev.Style[k] = asString(v)
		}
	}
	return ev, nil
}

func decodeOnlineUsers(obj map[string]any) (Event, error) {
	rawUsers, ok := obj["users"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: online_users: users is not an array", ErrMalformedEvent)
	}
	users := make([]User, 0, len(rawUsers))
	for _, raw := range rawUsers {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		users = append(users, User{
			ID:       asString(entry["id"]),
			Username: asString(entry["username"]),
		})
	}
	return OnlineUsers{Users: users}, nil
}

// Encode serializes an event for the channel, stamping the timestamp with
// the current time in unix milliseconds when the caller left it zero.
func Encode(ev Event) ([]byte, error) {
	obj := map[string]any{"type": string(ev.EventType())}
	switch typed := ev.(type) {
	case Heartbeat:
		obj["timestamp"] = timestampOrNow(typed.Timestamp)
	case HeartbeatAck:
	case ConnectionSuccess:
	case CellUpdate:
		if typed.CellID != "" {
			obj["cell_id"] = typed.CellID
		}
		obj["sheet"] = typed.SheetID
		obj["row"] = typed.Row
		obj["column"] = typed.Column
		if typed.Value != nil {
			obj["value"] = *typed.Value
		}
		if typed.Formula != nil {
			obj["formula"] = *typed.Formula
		}
		if len(typed.Style) > 0 {
			obj["style"] = typed.Style
		}
		obj["timestamp"] = timestampOrNow(typed.Timestamp)
	case CursorMove:
		obj["cell_id"] = typed.CellID
		obj["position"] = typed.Position
		obj["timestamp"] = timestampOrNow(typed.Timestamp)
	case SelectionChange:
		obj["selection"] = typed.Selection
		obj["timestamp"] = timestampOrNow(typed.Timestamp)
	case SheetOperation:
		obj["operation"] = typed.Operation
		if typed.Details != nil {
			obj["details"] = typed.Details
		}
		obj["timestamp"] = timestampOrNow(typed.Timestamp)
	case UserJoined:
		obj["user_id"] = typed.UserID
		obj["username"] = typed.Username
	case UserLeft:
		obj["user_id"] = typed.UserID
	case OnlineUsers:
		obj["users"] = typed.Users
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
	}
	return json.Marshal(obj)
}

func timestampOrNow(ts int64) int64 {
	if ts != 0 {
		return ts
	}
	return time.Now().UnixMilli()
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) (int, bool) {
	switch typed := v.(type) {
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return int(f), true
	case float64:
		return int(typed), true
	case int:
		return typed, true
	case string:
		n, err := strconv.Atoi(typed)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func asInt64(v any) int64 {
	n, ok := asInt(v)
	if !ok {
		return 0
	}
	return int64(n)
}
