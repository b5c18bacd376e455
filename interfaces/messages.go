package interfaces

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestMessage is the wire payload published for a vault operation.
// Operation-specific fields are flattened into the top-level JSON object
// next to the id, type and timestamp keys.
type RequestMessage struct {
	ID        string
	Type      string
	Timestamp time.Time
	Fields    map[string]any
}

// NewRequest builds a request message for the given operation. The fields
// map is flattened into the serialized object and must not use the reserved
// keys id, type or timestamp.
func NewRequest(id, operation string, fields map[string]any) RequestMessage {
	return RequestMessage{
		ID:        id,
		Type:      operation,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
}

func (m RequestMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+3)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["id"] = m.ID
	out["type"] = m.Type
	out["timestamp"] = m.Timestamp.UTC().Format(time.RFC3339)
	return json.Marshal(out)
}

// ReplyMessage is a correlated reply to a RequestMessage. Exactly one of the
// error or success/result shapes is present for enveloped RPC-style
// operations; legacy operations may instead carry flat fields.
type ReplyMessage struct {
	ID        string
	Type      string
	Timestamp time.Time

	// ErrorMsg is the application-level error string, empty on success.
	ErrorMsg string

	// Success is nil when the reply does not carry an explicit success
	// flag (flat-field replies).
	Success *bool

	// Result holds the structured result object when present.
	Result map[string]json.RawMessage

	// Fields holds all remaining top-level keys.
	Fields map[string]json.RawMessage
}

// ParseReply decodes a reply payload. It tolerates absent optional keys but
// rejects payloads that are not JSON objects.
func ParseReply(data []byte) (*ReplyMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("reply is not a JSON object: %w", err)
	}

	reply := &ReplyMessage{Fields: raw}

	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &reply.ID); err != nil {
			return nil, fmt.Errorf("invalid reply id: %w", err)
		}
		delete(raw, "id")
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &reply.Type); err != nil {
			return nil, fmt.Errorf("invalid reply type: %w", err)
		}
		delete(raw, "type")
	}
	if v, ok := raw["timestamp"]; ok {
		var ts string
		if err := json.Unmarshal(v, &ts); err == nil {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				reply.Timestamp = parsed
			}
		}
		delete(raw, "timestamp")
	}
	if v, ok := raw["error"]; ok {
		if err := json.Unmarshal(v, &reply.ErrorMsg); err != nil {
			return nil, fmt.Errorf("invalid reply error field: %w", err)
		}
		delete(raw, "error")
	}
	if v, ok := raw["success"]; ok {
		var success bool
		if err := json.Unmarshal(v, &success); err != nil {
			return nil, fmt.Errorf("invalid reply success field: %w", err)
		}
		reply.Success = &success
		delete(raw, "success")
	}
	if v, ok := raw["result"]; ok {
		if err := json.Unmarshal(v, &reply.Result); err != nil {
			return nil, fmt.Errorf("invalid reply result field: %w", err)
		}
		delete(raw, "result")
	}

	return reply, nil
}

// HasCollection reports whether the reply carries a JSON array under the
// given key, either at the top level or inside the result object. Used by
// the legacy shape-matching fallback for list-type operations.
func (m *ReplyMessage) HasCollection(key string) bool {
	if isJSONArray(m.Fields[key]) {
		return true
	}
	return isJSONArray(m.Result[key])
}

func isJSONArray(raw json.RawMessage) bool {
	if raw == nil {
		return false
	}
	var arr []json.RawMessage
	return json.Unmarshal(raw, &arr) == nil
}
