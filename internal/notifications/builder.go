package notifications

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// idNamespace scopes name-based notification ids derived from message ids.
var idNamespace = uuid.MustParse("6f1c3a52-6a8e-4d55-9a3c-2f0f2f6c9e41")

// SubscriberLookup resolves the users currently subscribed to a topic.
type SubscriberLookup interface {
	SubscribedUsers(topic string) []string
}

// Builder turns change envelopes into notifications and recipient sets.
type Builder struct {
	subscribers SubscriberLookup
	policies    []RecipientPolicy
	now         func() time.Time
}

// NewBuilder creates a Builder. subscribers may be nil when no live
// connections are tracked.
func NewBuilder(subscribers SubscriberLookup, policies ...RecipientPolicy) *Builder {
	return &Builder{
		subscribers: subscribers,
		policies:    policies,
		now:         time.Now,
	}
}

// Build maps env to a new Notification and its intended recipients: live
// subscribers of env.Topic plus whatever the recipient policies add.
//
// The id is derived from the message id, so a redelivered message maps to
// the same notification and fails to insert a second time.
func (b *Builder) Build(env ChangeEnvelope) (*Notification, []string) {
	typ, _ := TypeForAction(env.Action)

	id := uuid.NewString()
	if env.MessageID != "" {
		id = uuid.NewSHA1(idNamespace, []byte(env.MessageID)).String()
	}

	set := make(map[string]struct{})
	if b.subscribers != nil {
		for _, u := range b.subscribers.SubscribedUsers(env.Topic) {
			set[u] = struct{}{}
		}
	}
	for _, p := range b.policies {
		for _, u := range p.Recipients(env) {
			if u != "" {
				set[u] = struct{}{}
			}
		}
	}
	recipients := slices.Sorted(maps.Keys(set))

	n := &Notification{
		ID:          id,
		Type:        typ,
		OwnerTopic:  env.Topic,
		Content:     env.Data,
		Recipients:  recipients,
		DeliveredTo: []string{},
		ReadBy:      []string{},
		CreatedAt:   b.now().UTC(),
	}
	return n, recipients
}
