package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSession returns the persisted agent session ID for a chat folder,
// or empty string if none.
func (s *Store) GetSession(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE chat_folder = ?`, folder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session %s: %w", folder, err)
	}
	return id, nil
}

// SetSession persists the agent session ID for a chat folder, replacing
// any previous one. At most one persisted session per folder.
func (s *Store) SetSession(ctx context.Context, folder, sessionID string) error {
	_, err := s.exec(ctx,
		`INSERT INTO sessions (chat_folder, session_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (chat_folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		folder, sessionID, TimestampFormat(time.Now()))
	if err != nil {
		return fmt.Errorf("set session %s: %w", folder, err)
	}
	return nil
}

// ClearSession removes a chat folder's persisted session (the "/new"
// path). Clearing a missing session is a no-op.
func (s *Store) ClearSession(ctx context.Context, folder string) error {
	_, err := s.exec(ctx, `DELETE FROM sessions WHERE chat_folder = ?`, folder)
	if err != nil {
		return fmt.Errorf("clear session %s: %w", folder, err)
	}
	return nil
}
