package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// wireMessage covers both producer shapes:
//
//	{"type":"event","action":"created","data":{...}}
//	{"type":"notification","notification_type":"event.created","event":{...},"user":"u1"}
type wireMessage struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Topic     json.RawMessage `json:"topic"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"message_id"`

	NotificationType string          `json:"notification_type"`
	Event            json.RawMessage `json:"event"`
	User             json.RawMessage `json:"user"`
}

// Decode parses a raw broker payload into a ChangeEnvelope. Every failure is
// a *DecodeError wrapping ErrMalformed.
func Decode(raw []byte) (ChangeEnvelope, error) {
	var env ChangeEnvelope

	if len(bytes.TrimSpace(raw)) == 0 {
		return env, &DecodeError{Reason: "empty payload"}
	}

	var msg wireMessage
	if err := unmarshalNumbers(raw, &msg); err != nil {
		return env, &DecodeError{Reason: "invalid json: " + err.Error()}
	}

	switch msg.Type {
	case "", "event", "notification":
	default:
		return env, &DecodeError{Field: "type", Reason: fmt.Sprintf("unsupported message type %q", msg.Type)}
	}

	action := msg.Action
	data := msg.Data
	if isAbsent(data) && !isAbsent(msg.Event) {
		data = msg.Event
		var actor any
		if !isAbsent(msg.User) && unmarshalNumbers(msg.User, &actor) == nil {
			env.Actor = scalarString(actor)
		}
	}
	if action == "" && msg.NotificationType != "" {
		action = strings.TrimPrefix(msg.NotificationType, "event.")
	}

	if isAbsent(data) {
		return env, &DecodeError{Field: "data", Reason: "missing"}
	}
	if err := unmarshalNumbers(data, &env.Data); err != nil || env.Data == nil {
		return env, &DecodeError{Field: "data", Reason: "must be an object"}
	}

	if action == "" {
		if a, ok := env.Data["action"].(string); ok {
			action = a
		}
	}
	env.Action = Action(action)
	if !env.Action.Valid() {
		return env, &DecodeError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
	}

	topic, err := topicOf(msg.Topic, env.Data)
	if err != nil {
		return env, err
	}
	env.Topic = topic
	env.MessageID = msg.MessageID
	return env, nil
}

func topicOf(explicit json.RawMessage, data map[string]any) (string, error) {
	if !isAbsent(explicit) {
		var v any
		if err := unmarshalNumbers(explicit, &v); err != nil {
			return "", &DecodeError{Field: "topic", Reason: "invalid"}
		}
		if s := scalarString(v); s != "" {
			return s, nil
		}
		return "", &DecodeError{Field: "topic", Reason: "must be a non-empty string"}
	}
	for _, key := range []string{"event_id", "id"} {
		if s := scalarString(data[key]); s != "" {
			return s, nil
		}
	}
	return "", &DecodeError{Field: "topic", Reason: "missing (no topic, data.event_id or data.id)"}
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func unmarshalNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
