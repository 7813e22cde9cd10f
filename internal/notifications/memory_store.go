package notifications

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MemoryStore is a process-local Store used in tests and when no database is
// configured. Records do not survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Notification
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Notification)}
}

func (s *MemoryStore) Insert(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[n.ID]; ok {
		return fmt.Errorf("notification %s: %w", n.ID, ErrDuplicateKey)
	}
	s.byID[n.ID] = clone(n)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID, id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, err := s.addressed(userID, id)
	if err != nil {
		return nil, err
	}
	return clone(n), nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.addressed(userID, id)
	if err != nil {
		return err
	}
	n.DeliveredTo, _ = addUnique(n.DeliveredTo, userID)
	return nil
}

func (s *MemoryStore) MarkRead(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.addressed(userID, id)
	if err != nil {
		return err
	}
	n.ReadBy, _ = addUnique(n.ReadBy, userID)
	return nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := 0
	for _, n := range s.byID {
		if !n.Addressed(userID) {
			continue
		}
		var added bool
		if n.ReadBy, added = addUnique(n.ReadBy, userID); added {
			marked++
		}
	}
	return marked, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, n := range s.byID {
		if n.Addressed(userID) && !slices.Contains(n.ReadBy, userID) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) List(_ context.Context, params ListParams) ([]Notification, int, error) {
	params.normalize()

	s.mu.RLock()
	var matches []*Notification
	for _, n := range s.byID {
		if !n.Addressed(params.UserID) {
			continue
		}
		if params.Type != "" && n.Type != params.Type {
			continue
		}
		if params.UnreadOnly && slices.Contains(n.ReadBy, params.UserID) {
			continue
		}
		matches = append(matches, clone(n))
	}
	s.mu.RUnlock()

	slices.SortFunc(matches, func(a, b *Notification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})

	total := len(matches)
	out := []Notification{}
	for i := params.Offset; i < total && len(out) < params.Limit; i++ {
		out = append(out, *matches[i])
	}
	return out, total, nil
}

func (s *MemoryStore) addressed(userID, id string) (*Notification, error) {
	n, ok := s.byID[id]
	if !ok || !n.Addressed(userID) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return n, nil
}

func clone(n *Notification) *Notification {
	c := *n
	c.Content = maps.Clone(n.Content)
	c.Recipients = slices.Clone(n.Recipients)
	c.DeliveredTo = slices.Clone(n.DeliveredTo)
	c.ReadBy = slices.Clone(n.ReadBy)
	if c.DeliveredTo == nil {
		c.DeliveredTo = []string{}
	}
	if c.ReadBy == nil {
		c.ReadBy = []string{}
	}
	return &c
}
