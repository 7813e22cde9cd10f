package notifications

import (
	"slices"
	"time"
)

// Action is the kind of change reported by the upstream event service.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	_, ok := TypeForAction(a)
	return ok
}

// Type classifies a stored notification.
type Type string

const (
	TypeEventCreated Type = "event.created"
	TypeEventUpdated Type = "event.updated"
	TypeEventDeleted Type = "event.deleted"
)

// TypeForAction maps a change action to its notification type.
func TypeForAction(a Action) (Type, bool) {
	switch a {
	case ActionCreated:
		return TypeEventCreated, true
	case ActionUpdated:
		return TypeEventUpdated, true
	case ActionDeleted:
		return TypeEventDeleted, true
	}
	return "", false
}

// ChangeEnvelope is a decoded broker message. It is never persisted as is.
type ChangeEnvelope struct {
	Topic     string
	Action    Action
	Data      map[string]any
	MessageID string
	// Actor is the user that performed the change, when the producer says so.
	Actor string
}

// Notification is the persisted record of one change. Only DeliveredTo and
// ReadBy change after creation, and both only grow.
type Notification struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	OwnerTopic  string         `json:"owner_topic"`
	Content     map[string]any `json:"content"`
	Recipients  []string       `json:"-"`
	DeliveredTo []string       `json:"delivered_to,omitempty"`
	ReadBy      []string       `json:"read_by,omitempty"`
	IsRead      bool           `json:"is_read"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Addressed reports whether the notification was meant for userID.
func (n *Notification) Addressed(userID string) bool {
	return slices.Contains(n.Recipients, userID) || slices.Contains(n.DeliveredTo, userID)
}

// ForUser returns the view of n seen by userID: IsRead is projected from
// ReadBy and the membership sets of other users are stripped.
func (n *Notification) ForUser(userID string) Notification {
	view := *n
	view.IsRead = slices.Contains(n.ReadBy, userID)
	view.Recipients = nil
	view.DeliveredTo = nil
	view.ReadBy = nil
	return view
}

// addUnique appends v to set unless it is already present.
func addUnique(set []string, v string) ([]string, bool) {
	if slices.Contains(set, v) {
		return set, false
	}
	return append(set, v), true
}
