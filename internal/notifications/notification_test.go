package notifications

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNotification_JSONSerialization(t *testing.T) {
	n := Notification{
		ID:          "uuid-1",
		Type:        TypeEventCreated,
		OwnerTopic:  "e1",
		Content:     map[string]any{"title": "Launch"},
		Recipients:  []string{"alice", "bob"},
		DeliveredTo: []string{"alice"},
		CreatedAt:   time.Now(),
	}

	data, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if _, ok := m["recipients"]; ok {
		t.Error("expected recipients to be omitted from JSON output")
	}
	if m["type"] != "event.created" {
		t.Errorf("expected type event.created, got %v", m["type"])
	}
	if m["owner_topic"] != "e1" {
		t.Errorf("expected owner_topic e1, got %v", m["owner_topic"])
	}
	if m["is_read"] != false {
		t.Error("expected is_read=false")
	}
}

func TestNotification_ForUser(t *testing.T) {
	n := Notification{
		ID:          "uuid-1",
		Recipients:  []string{"alice", "bob"},
		DeliveredTo: []string{"alice", "bob"},
		ReadBy:      []string{"bob"},
	}

	alice := n.ForUser("alice")
	if alice.IsRead {
		t.Error("alice has not read the notification")
	}
	if alice.Recipients != nil || alice.DeliveredTo != nil || alice.ReadBy != nil {
		t.Error("expected membership sets to be stripped from the user view")
	}

	bob := n.ForUser("bob")
	if !bob.IsRead {
		t.Error("expected bob's view to be read")
	}

	if len(n.ReadBy) != 1 || len(n.Recipients) != 2 {
		t.Error("ForUser must not modify the stored notification")
	}

	data, _ := json.Marshal(bob)
	var m map[string]interface{}
	json.Unmarshal(data, &m)
	if _, ok := m["read_by"]; ok {
		t.Error("SECURITY: read_by leaked into a user view")
	}
}

func TestNotification_Addressed(t *testing.T) {
	n := Notification{Recipients: []string{"alice"}, DeliveredTo: []string{"carol"}}

	if !n.Addressed("alice") || !n.Addressed("carol") {
		t.Error("expected recipients and delivered users to be addressed")
	}
	if n.Addressed("mallory") {
		t.Error("expected mallory not to be addressed")
	}
}

func TestTypeForAction(t *testing.T) {
	tests := []struct {
		action Action
		want   Type
		ok     bool
	}{
		{ActionCreated, TypeEventCreated, true},
		{ActionUpdated, TypeEventUpdated, true},
		{ActionDeleted, TypeEventDeleted, true},
		{Action("archived"), "", false},
	}
	for _, tt := range tests {
		got, ok := TypeForAction(tt.action)
		if got != tt.want || ok != tt.ok {
			t.Errorf("TypeForAction(%q) = %q, %v; want %q, %v", tt.action, got, ok, tt.want, tt.ok)
		}
		if tt.action.Valid() != tt.ok {
			t.Errorf("%q.Valid() = %v", tt.action, !tt.ok)
		}
	}
}
