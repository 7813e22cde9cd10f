package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises behavior every Store implementation must share.
// Users are random per subtest so implementations backed by a shared
// database need no cleanup.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertDuplicate", func(t *testing.T) {
		t.Parallel()
		s, ctx := newStore(t), context.Background()
		n := newTestNotification(t, uuid.NewString())

		require.NoError(t, s.Insert(ctx, n))
		err := s.Insert(ctx, n)
		assert.True(t, errors.Is(err, ErrDuplicateKey), "got %v", err)
	})

	t.Run("GetOnlyForAddressedUser", func(t *testing.T) {
		t.Parallel()
		s, ctx := newStore(t), context.Background()
		owner, stranger := uuid.NewString(), uuid.NewString()
		n := newTestNotification(t, owner)
		require.NoError(t, s.Insert(ctx, n))

		got, err := s.Get(ctx, owner, n.ID)
		require.NoError(t, err)
		assert.Equal(t, n.ID, got.ID)
		assert.Equal(t, TypeEventCreated, got.Type)
		assert.Equal(t, "Launch", got.Content["title"])

		_, err = s.Get(ctx, stranger, n.ID)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

		_, err = s.Get(ctx, owner, uuid.NewString())
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("RecordDeliveryIdempotent", func(t *testing.T) {
		t.Parallel()
		s, ctx := newStore(t), context.Background()
		user := uuid.NewString()
		n := newTestNotification(t, user)
		require.NoError(t, s.Insert(ctx, n))

		require.NoError(t, s.RecordDelivery(ctx, user, n.ID))
		require.NoError(t, s.RecordDelivery(ctx, user, n.ID))

		got, err := s.Get(ctx, user, n.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{user}, got.DeliveredTo)

		err = s.RecordDelivery(ctx, user, uuid.NewString())
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("MarkReadIdempotentAndCounts", func(t *testing.T) {
		t.Parallel()
		s, ctx := newStore(t), context.Background()
		user := uuid.NewString()
		a, b := newTestNotification(t, user), newTestNotification(t, user)
		require.NoError(t, s.Insert(ctx, a))
		require.NoError(t, s.Insert(ctx, b))

		count, err := s.UnreadCount(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		require.NoError(t, s.MarkRead(ctx, user, a.ID))
		count, err = s.UnreadCount(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		require.NoError(t, s.MarkRead(ctx, user, a.ID))
		count, err = s.UnreadCount(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		got, err := s.Get(ctx, user, a.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{user}, got.ReadBy)
		assert.True(t, got.ForUser(user).IsRead)
	})

	t.Run("MarkReadMissing", func(t *testing.T) {
		t.Parallel()
		s, ctx := newStore(t), context.Background()
		err := s.MarkRead(ctx, uuid.NewString(), uuid.NewString())
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("MarkReadNotAddressed", func(t *testing.T) {
		t.Parallel()
		s, ctx := newStore(t), context.Background()
		n := newTestNotification(t, uuid.NewString())
		require.NoError(t, s.Insert(ctx, n))

		err := s.MarkRead(ctx, uuid.NewString(), n.ID)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("MarkAllReadIdempotent", func(t *testing.T) {
		t.Parallel()
		s, ctx := newStore(t), context.Background()
		user, other := uuid.NewString(), uuid.NewString()
		for range 3 {
			require.NoError(t, s.Insert(ctx, newTestNotification(t, user, other)))
		}
		require.NoError(t, s.Insert(ctx, newTestNotification(t, other)))

		marked, err := s.MarkAllRead(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, 3, marked)

		marked, err = s.MarkAllRead(ctx, user)
		require.NoError(t, err)
		assert.Zero(t, marked)

		count, err := s.UnreadCount(ctx, user)
		require.NoError(t, err)
		assert.Zero(t, count)

		count, err = s.UnreadCount(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, 4, count, "other user's read state must be untouched")
	})

	t.Run("ConcurrentMarkRead", func(t *testing.T) {
		t.Parallel()
		s, ctx := newStore(t), context.Background()
		user := uuid.NewString()
		n := newTestNotification(t, user)
		require.NoError(t, s.Insert(ctx, n))

		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.MarkRead(ctx, user, n.ID)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		got, err := s.Get(ctx, user, n.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{user}, got.ReadBy)
	})

	t.Run("ListOrderingAndPagination", func(t *testing.T) {
		t.Parallel()
		s, ctx := newStore(t), context.Background()
		user := uuid.NewString()
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		var ids []string
		for i := range 5 {
			n := newTestNotification(t, user)
			n.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.Insert(ctx, n))
			ids = append(ids, n.ID)
		}

		page, total, err := s.List(ctx, ListParams{UserID: user, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, ids[4], page[0].ID)
		assert.Equal(t, ids[3], page[1].ID)

		page, _, err = s.List(ctx, ListParams{UserID: user, Limit: 2, Offset: 4})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[0], page[0].ID)

		page, total, err = s.List(ctx, ListParams{UserID: user, Offset: 10})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.NotNil(t, page)
		assert.Empty(t, page)
	})

	t.Run("ListFilters", func(t *testing.T) {
		t.Parallel()
		s, ctx := newStore(t), context.Background()
		user := uuid.NewString()

		created := newTestNotification(t, user)
		deleted := newTestNotification(t, user)
		deleted.Type = TypeEventDeleted
		require.NoError(t, s.Insert(ctx, created))
		require.NoError(t, s.Insert(ctx, deleted))
		require.NoError(t, s.MarkRead(ctx, user, created.ID))

		page, total, err := s.List(ctx, ListParams{UserID: user, Type: TypeEventDeleted})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, page, 1)
		assert.Equal(t, deleted.ID, page[0].ID)

		page, total, err = s.List(ctx, ListParams{UserID: user, UnreadOnly: true})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, page, 1)
		assert.Equal(t, deleted.ID, page[0].ID)

		_, total, err = s.List(ctx, ListParams{UserID: uuid.NewString()})
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("OfflineRecipientPullsAndReads", func(t *testing.T) {
		t.Parallel()
		s, ctx := newStore(t), context.Background()
		user := uuid.NewString()
		n := newTestNotification(t, user)
		require.NoError(t, s.Insert(ctx, n))

		page, _, err := s.List(ctx, ListParams{UserID: user})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Empty(t, page[0].DeliveredTo)
		assert.False(t, page[0].ForUser(user).IsRead)

		require.NoError(t, s.MarkRead(ctx, user, n.ID))
		got, err := s.Get(ctx, user, n.ID)
		require.NoError(t, err)
		assert.True(t, got.ForUser(user).IsRead)
	})
}

func newTestNotification(t *testing.T, recipients ...string) *Notification {
	t.Helper()
	return &Notification{
		ID:          uuid.NewString(),
		Type:        TypeEventCreated,
		OwnerTopic:  "event-" + uuid.NewString()[:8],
		Content:     map[string]any{"title": "Launch"},
		Recipients:  recipients,
		DeliveredTo: []string{},
		ReadBy:      []string{},
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}
