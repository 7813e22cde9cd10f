package notifications

import (
	"fmt"
	"slices"
	"strings"
)

// RecipientPolicy adds interested parties beyond live topic subscribers.
type RecipientPolicy interface {
	Recipients(env ChangeEnvelope) []string
}

// RecipientPolicyFunc adapts a function to RecipientPolicy.
type RecipientPolicyFunc func(env ChangeEnvelope) []string

func (f RecipientPolicyFunc) Recipients(env ChangeEnvelope) []string { return f(env) }

// CreatorPolicy addresses the user named in Data[Field], falling back to the
// envelope actor.
type CreatorPolicy struct {
	Field string
}

func (p CreatorPolicy) Recipients(env ChangeEnvelope) []string {
	field := p.Field
	if field == "" {
		field = "created_by"
	}
	if s, ok := env.Data[field].(string); ok && strings.TrimSpace(s) != "" {
		return []string{strings.TrimSpace(s)}
	}
	if env.Actor != "" {
		return []string{env.Actor}
	}
	return nil
}

// OnlineUsers lists users with at least one active connection.
type OnlineUsers interface {
	OnlineUsers() []string
}

// BroadcastPolicy addresses every online user for the listed actions.
type BroadcastPolicy struct {
	Online  OnlineUsers
	Actions []Action
}

func (p BroadcastPolicy) Recipients(env ChangeEnvelope) []string {
	if p.Online == nil || !slices.Contains(p.Actions, env.Action) {
		return nil
	}
	return p.Online.OnlineUsers()
}

// Policy names accepted by PoliciesFromNames.
const (
	PolicyCreator          = "creator"
	PolicyBroadcastCreated = "broadcast_created"
	PolicyNone             = "none"
)

// PoliciesFromNames builds the policy chain configured by name.
func PoliciesFromNames(names []string, creatorField string, online OnlineUsers) ([]RecipientPolicy, error) {
	var out []RecipientPolicy
	for _, name := range names {
		switch name {
		case PolicyCreator:
			out = append(out, CreatorPolicy{Field: creatorField})
		case PolicyBroadcastCreated:
			out = append(out, BroadcastPolicy{Online: online, Actions: []Action{ActionCreated}})
		case PolicyNone:
		default:
			return nil, fmt.Errorf("unknown recipient policy %q", name)
		}
	}
	return out, nil
}
