package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Control actions a client may send.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"
)

// Server frame types other than notifications, which are sent as-is.
const (
	frameConnectionStatus   = "connection_status"
	frameSubscriptionUpdate = "subscription_update"
	framePong               = "pong"
	frameError              = "error"
)

// controlMessage is the JSON envelope sent by the frontend to subscribe or
// unsubscribe from an event's notifications. "topic" is accepted as an alias
// for "event_id".
type controlMessage struct {
	Action  string `json:"action"`
	EventID string `json:"event_id"`
	Topic   string `json:"topic"`
}

func (m controlMessage) topic() string {
	if m.EventID != "" {
		return m.EventID
	}
	return m.Topic
}

// parseControl decodes and validates a client frame.
func parseControl(data []byte) (controlMessage, error) {
	var cm controlMessage
	if err := json.Unmarshal(data, &cm); err != nil {
		return controlMessage{}, fmt.Errorf("invalid control message: %w", err)
	}
	cm.Action = strings.ToLower(strings.TrimSpace(cm.Action))
	switch cm.Action {
	case actionSubscribe, actionUnsubscribe:
		if cm.topic() == "" {
			return controlMessage{}, fmt.Errorf("%s requires event_id", cm.Action)
		}
	case actionPing:
	case "":
		return controlMessage{}, fmt.Errorf("missing action")
	default:
		return controlMessage{}, fmt.Errorf("unknown action %q", cm.Action)
	}
	return cm, nil
}

type connectionStatusFrame struct {
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	Timestamp    time.Time `json:"timestamp"`
}

type subscriptionUpdateFrame struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

type pongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
