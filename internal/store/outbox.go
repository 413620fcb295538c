package store

import (
	"context"
	"fmt"
	"time"
)

// OutboxEnqueue stages an outbound message for later delivery. Used by
// the channel registry when a send fails while the transport is down.
func (s *Store) OutboxEnqueue(ctx context.Context, e OutboxEntry) error {
	if e.NextRetry.IsZero() {
		e.NextRetry = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO outbox (channel, user_id, text, attempts, next_retry) VALUES (?, ?, ?, ?, ?)`,
		e.Channel, e.UserID, e.Text, e.Attempts, TimestampFormat(e.NextRetry))
	if err != nil {
		return fmt.Errorf("outbox enqueue: %w", err)
	}
	return nil
}

// OutboxPending returns entries for a channel whose retry time has
// arrived, oldest first.
func (s *Store) OutboxPending(ctx context.Context, channel string, now time.Time) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, user_id, text, attempts, next_retry FROM outbox
		 WHERE channel = ? AND next_retry <= ? ORDER BY id`,
		channel, TimestampFormat(now))
	if err != nil {
		return nil, fmt.Errorf("outbox pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var nextRetry string
		if err := rows.Scan(&e.ID, &e.Channel, &e.UserID, &e.Text, &e.Attempts, &nextRetry); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, nextRetry); err == nil {
			e.NextRetry = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OutboxAck removes a delivered entry.
func (s *Store) OutboxAck(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("outbox ack %d: %w", id, err)
	}
	return nil
}

// OutboxMarkRetry bumps an entry's attempt count and retry time.
func (s *Store) OutboxMarkRetry(ctx context.Context, id int64, attempts int, nextRetry time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE outbox SET attempts = ?, next_retry = ? WHERE id = ?`,
		attempts, TimestampFormat(nextRetry), id)
	if err != nil {
		return fmt.Errorf("outbox mark retry %d: %w", id, err)
	}
	return nil
}
