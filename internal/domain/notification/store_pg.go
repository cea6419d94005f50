package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PGStore keeps notifications in the notifications table, keyed by
// (recipient_id, id).
type PGStore struct {
	db queryable
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{db: pool}
}

const notificationCols = `id, recipient_id, recipient_type, message, type, created_at, read`

func (s *PGStore) List(ctx context.Context, recipientID string) ([]Notification, error) {
	rows, err := s.db.Query(ctx, `SELECT `+notificationCols+` FROM notifications
		WHERE recipient_id = $1 ORDER BY created_at, id`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", recipientID, err)
	}
	defer rows.Close()

	var items []Notification
	for rows.Next() {
		var n Notification
		var createdAt time.Time
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.RecipientType, &n.Message, &n.Type, &createdAt, &n.Read); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Timestamp = formatTimestamp(createdAt)
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", recipientID, err)
	}
	return items, nil
}

func (s *PGStore) Append(ctx context.Context, recipientID string, items ...Notification) error {
	if len(items) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, n := range items {
		typ := n.Type
		if typ == "" {
			typ = TypeTestUpload
		}
		b.Queue(`INSERT INTO notifications (`+notificationCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (recipient_id, id) DO NOTHING`,
			n.ID, recipientID, n.RecipientType, n.Message, typ, parseTimestamp(n.Timestamp), n.Read)
	}
	if err := s.db.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("append notifications for %s: %w", recipientID, err)
	}
	return nil
}

func (s *PGStore) MarkRead(ctx context.Context, recipientID string, id int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE notifications SET read = TRUE
		WHERE recipient_id = $1 AND id = $2`, recipientID, id)
	if err != nil {
		return false, fmt.Errorf("mark notification %d read: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) MarkAllRead(ctx context.Context, recipientID string) error {
	_, err := s.db.Exec(ctx, `UPDATE notifications SET read = TRUE
		WHERE recipient_id = $1 AND NOT read`, recipientID)
	if err != nil {
		return fmt.Errorf("mark all read for %s: %w", recipientID, err)
	}
	return nil
}

func (s *PGStore) Clear(ctx context.Context, recipientID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM notifications WHERE recipient_id = $1`, recipientID)
	if err != nil {
		return fmt.Errorf("clear notifications for %s: %w", recipientID, err)
	}
	return nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// parseTimestamp falls back to now for entries without a usable timestamp.
func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
