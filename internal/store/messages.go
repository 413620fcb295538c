package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RecordMessage persists an observed message. It is idempotent on
// (chat_jid, id): duplicate delivery from the channel is expected and
// leaves the first stored row untouched. The timestamp is normalized
// to the fixed-width layout; channels emit varying fractional
// precision and cursor comparison is textual.
func (s *Store) RecordMessage(ctx context.Context, msg Message) error {
	if msg.ChatJID == "" || msg.ID == "" {
		return fmt.Errorf("message requires chat_jid and id")
	}
	ts, err := NormalizeTimestamp(msg.Timestamp)
	if err != nil {
		return fmt.Errorf("record message %s/%s: bad timestamp: %w", msg.ChatJID, msg.ID, err)
	}
	_, err = s.exec(ctx,
		`INSERT OR IGNORE INTO messages
		 (chat_jid, id, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ChatJID, msg.ID, msg.Sender, msg.SenderName, msg.Content, ts,
		boolInt(msg.IsFromMe), boolInt(msg.IsBotMessage),
	)
	if err != nil {
		return fmt.Errorf("record message %s/%s: %w", msg.ChatJID, msg.ID, err)
	}
	return nil
}

// MessagesAfter returns a chat's messages with timestamp strictly after
// cursor, in timestamp order. Sorting here (not at ingest) makes the
// pipeline tolerant of channels delivering out of order.
func (s *Store) MessagesAfter(ctx context.Context, chatJID, cursor string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_jid, id, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		 FROM messages WHERE chat_jid = ? AND timestamp > ?
		 ORDER BY timestamp, id`,
		chatJID, cursor)
	if err != nil {
		return nil, fmt.Errorf("messages after %s: %w", chatJID, err)
	}
	return collectMessages(rows)
}

// MessagesAfterGlobal returns messages across all chats with timestamp
// strictly after cursor, in timestamp order.
func (s *Store) MessagesAfterGlobal(ctx context.Context, cursor string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_jid, id, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		 FROM messages WHERE timestamp > ?
		 ORDER BY timestamp, id`,
		cursor)
	if err != nil {
		return nil, fmt.Errorf("messages after global: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		var m Message
		var fromMe, bot int
		if err := rows.Scan(&m.ChatJID, &m.ID, &m.Sender, &m.SenderName, &m.Content,
			&m.Timestamp, &fromMe, &bot); err != nil {
			return nil, err
		}
		m.IsFromMe = fromMe == 1
		m.IsBotMessage = bot == 1
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
