package notifications

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const notificationColumns = "id, type, owner_topic, content, recipients, delivered_to, read_by, created_at"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore implements Store on the notifications table. Set columns are
// TEXT[] and only grow through conditional array_append, so concurrent
// writers never add the same user twice.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Insert(ctx context.Context, n *Notification) error {
	content := n.Content
	if content == nil {
		content = map[string]any{}
	}
	query, args, err := psql.Insert("notifications").
		Columns("id", "type", "owner_topic", "content", "recipients", "delivered_to", "read_by", "created_at").
		Values(n.ID, string(n.Type), n.OwnerTopic, content, nonNil(n.Recipients), nonNil(n.DeliveredTo), nonNil(n.ReadBy), n.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return mapError(err, n.ID)
}

func (s *PostgresStore) Get(ctx context.Context, userID, id string) (*Notification, error) {
	query, args, err := psql.Select(notificationColumns).
		From("notifications").
		Where(sq.Eq{"id": id}).
		Where(addressedTo(userID)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get: %w", err)
	}
	n, err := scanNotification(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapError(err, id)
	}
	return n, nil
}

func (s *PostgresStore) RecordDelivery(ctx context.Context, userID, id string) error {
	return s.appendMember(ctx, "delivered_to", userID, id)
}

func (s *PostgresStore) MarkRead(ctx context.Context, userID, id string) error {
	return s.appendMember(ctx, "read_by", userID, id)
}

// appendMember adds userID to column unless already present. A zero-row
// update is either "already there" or "not addressed", told apart by a
// second lookup.
func (s *PostgresStore) appendMember(ctx context.Context, column, userID, id string) error {
	query, args, err := psql.Update("notifications").
		Set(column, sq.Expr("array_append("+column+", ?)", userID)).
		Where(sq.Eq{"id": id}).
		Where(addressedTo(userID)).
		Where(sq.Expr("NOT (? = ANY("+column+"))", userID)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update %s: %w", column, err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return mapError(err, id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1 AND ($2 = ANY(recipients) OR $2 = ANY(delivered_to)))`,
		id, userID,
	).Scan(&exists)
	if err != nil {
		return mapError(err, id)
	}
	if !exists {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkAllRead(ctx context.Context, userID string) (int, error) {
	query, args, err := psql.Update("notifications").
		Set("read_by", sq.Expr("array_append(read_by, ?)", userID)).
		Where(addressedTo(userID)).
		Where(sq.Expr("NOT (? = ANY(read_by))", userID)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build mark all read: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, mapError(err, "*")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	query, args, err := psql.Select("COUNT(*)").
		From("notifications").
		Where(addressedTo(userID)).
		Where(sq.Expr("NOT (? = ANY(read_by))", userID)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build unread count: %w", err)
	}
	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, mapError(err, "*")
	}
	return count, nil
}

func (s *PostgresStore) List(ctx context.Context, params ListParams) ([]Notification, int, error) {
	params.normalize()

	where := sq.And{addressedTo(params.UserID)}
	if params.Type != "" {
		where = append(where, sq.Eq{"type": string(params.Type)})
	}
	if params.UnreadOnly {
		where = append(where, sq.Expr("NOT (? = ANY(read_by))", params.UserID))
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").From("notifications").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list count: %w", err)
	}
	var total int
	if err := s.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, mapError(err, "*")
	}

	query, args, err := psql.Select(notificationColumns).
		From("notifications").
		Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(params.Limit)).
		Offset(uint64(params.Offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapError(err, "*")
	}
	defer rows.Close()

	notifications := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		notifications = append(notifications, *n)
	}
	return notifications, total, rows.Err()
}

func addressedTo(userID string) sq.Sqlizer {
	return sq.Expr("(? = ANY(recipients) OR ? = ANY(delivered_to))", userID, userID)
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var typ string
	if err := row.Scan(&n.ID, &typ, &n.OwnerTopic, &n.Content, &n.Recipients, &n.DeliveredTo, &n.ReadBy, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.Type = Type(typ)
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}

// mapError converts pgx errors to package errors. Context errors pass
// through.
func mapError(err error, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("notification %s: %w", id, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("notification %s: %w", id, ErrDuplicateKey)
	}
	return fmt.Errorf("notification %s: %w", id, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
