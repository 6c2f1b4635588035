package wire

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// eventSchema describes the shape of every known event type. Decode
// validates an inbound payload against the $defs entry matching its type
// discriminator before reading any field.
const eventSchema = `{
  "$id": "gridsync-events.json",
  "$defs": {
    "coordinate": {
      "anyOf": [
        {"type": "number"},
        {"type": "string", "pattern": "^-?[0-9]+$"}
      ]
    },
    "heartbeat": {
      "type": "object",
      "required": ["type"],
      "properties": {"type": {"const": "heartbeat"}}
    },
    "heartbeat_ack": {
      "type": "object",
      "required": ["type"],
      "properties": {"type": {"const": "heartbeat_ack"}}
    },
    "connection_success": {
      "type": "object",
      "required": ["type"],
      "properties": {"type": {"const": "connection_success"}}
    },
    "cell_update": {
      "type": "object",
      "required": ["type", "row", "column"],
      "properties": {
        "type": {"const": "cell_update"},
        "cell_id": {"type": "string"},
        "sheet": {"type": "string"},
        "row": {"$ref": "#/$defs/coordinate"},
        "column": {"$ref": "#/$defs/coordinate"},
        "value": {"type": "string"},
        "formula": {"type": "string"},
        "style": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        },
        "timestamp": {"type": "number"}
      }
    },
    "cursor_move": {
      "type": "object",
      "required": ["type", "cell_id"],
      "properties": {
        "type": {"const": "cursor_move"},
        "cell_id": {"type": "string"},
        "position": {"type": "string"},
        "timestamp": {"type": "number"}
      }
    },
    "selection_change": {
      "type": "object",
      "required": ["type", "selection"],
      "properties": {
        "type": {"const": "selection_change"},
        "selection": {"type": "string"},
        "timestamp": {"type": "number"}
      }
    },
    "sheet_operation": {
      "type": "object",
      "required": ["type", "operation"],
      "properties": {
        "type": {"const": "sheet_operation"},
        "operation": {"type": "string"},
        "details": {"type": "object"},
        "timestamp": {"type": "number"}
      }
    },
    "user_joined": {
      "type": "object",
      "required": ["type", "user_id"],
      "properties": {
        "type": {"const": "user_joined"},
        "user_id": {"type": "string"},
        "username": {"type": "string"}
      }
    },
    "user_left": {
      "type": "object",
      "required": ["type", "user_id"],
      "properties": {
        "type": {"const": "user_left"},
        "user_id": {"type": "string"}
      }
    },
    "online_users": {
      "type": "object",
      "required": ["type", "users"],
      "properties": {
        "type": {"const": "online_users"},
        "users": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": {"type": "string"},
              "username": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schemaErr  error
	schemas    map[Type]*jsonschema.Schema
)

func compileSchemas() {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		schemaErr = fmt.Errorf("parse event schema: %w", err)
		return
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("gridsync-events.json", doc); err != nil {
		schemaErr = fmt.Errorf("register event schema: %w", err)
		return
	}
	compiled := map[Type]*jsonschema.Schema{}
	for _, typ := range []Type{
		TypeHeartbeat,
		TypeHeartbeatAck,
		TypeConnectionSuccess,
		TypeCellUpdate,
		TypeCursorMove,
		TypeSelectionChange,
		TypeSheetOperation,
		TypeUserJoined,
		TypeUserLeft,
		TypeOnlineUsers,
	} {
		schema, err := compiler.Compile(fmt.Sprintf("gridsync-events.json#/$defs/%s", typ))
		if err != nil {
			schemaErr = fmt.Errorf("compile schema for %s: %w", typ, err)
			return
		}
		compiled[typ] = schema
	}
	schemas = compiled
}

func schemaFor(typ Type) (*jsonschema.Schema, bool, error) {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return nil, false, schemaErr
	}
	schema, ok := schemas[typ]
	return schema, ok, nil
}
