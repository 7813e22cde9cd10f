package notifications

import "context"

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListParams holds filters and pagination for listing a user's notifications.
type ListParams struct {
	UserID     string
	Type       Type
	UnreadOnly bool
	Limit      int
	Offset     int
}

// normalize clamps pagination to sane bounds.
func (p *ListParams) normalize() {
	if p.Limit <= 0 {
		p.Limit = defaultListLimit
	}
	if p.Limit > maxListLimit {
		p.Limit = maxListLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
}

// Store persists notifications and their delivery/read state. Every method
// is safe for concurrent callers and every mutation is idempotent.
//
// A notification is visible to a user only when addressed to them; other
// users get ErrNotFound.
type Store interface {
	// Insert stores a new notification. ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, n *Notification) error
	// Get returns one notification addressed to userID.
	Get(ctx context.Context, userID, id string) (*Notification, error)
	// RecordDelivery adds userID to DeliveredTo.
	RecordDelivery(ctx context.Context, userID, id string) error
	// MarkRead adds userID to ReadBy.
	MarkRead(ctx context.Context, userID, id string) error
	// MarkAllRead marks every notification addressed to userID as read and
	// returns how many changed.
	MarkAllRead(ctx context.Context, userID string) (int, error)
	// UnreadCount counts notifications addressed to userID not yet read by them.
	UnreadCount(ctx context.Context, userID string) (int, error)
	// List returns a page ordered by created_at descending (id breaks ties)
	// plus the total number of matches.
	List(ctx context.Context, params ListParams) ([]Notification, int, error)
}
