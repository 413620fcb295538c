package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Cursor names. The seen cursor is global; processed cursors are
// per-chat under a derived name.
const cursorSeen = "seen"

func processedCursorName(chatJID string) string {
	return "processed:" + chatJID
}

// GetCursor returns the stored cursor value, empty string if unset.
func (s *Store) GetCursor(ctx context.Context, name string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cursors WHERE name = ?`, name).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor %s: %w", name, err)
	}
	return val, nil
}

// SetCursor stores a cursor value.
func (s *Store) SetCursor(ctx context.Context, name, value string) error {
	_, err := s.exec(ctx,
		`INSERT INTO cursors (name, value) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
		name, value)
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", name, err)
	}
	return nil
}

// SeenCursor returns the global max timestamp observed.
func (s *Store) SeenCursor(ctx context.Context) (string, error) {
	return s.GetCursor(ctx, cursorSeen)
}

// SetSeenCursor advances the global seen cursor.
func (s *Store) SetSeenCursor(ctx context.Context, value string) error {
	return s.SetCursor(ctx, cursorSeen, value)
}

// ProcessedCursor returns a chat's processed cursor.
func (s *Store) ProcessedCursor(ctx context.Context, chatJID string) (string, error) {
	return s.GetCursor(ctx, processedCursorName(chatJID))
}

// SetProcessedCursor sets a chat's processed cursor. The orchestrator
// is the only caller; it may move the cursor backwards on the
// rollback-before-output path.
func (s *Store) SetProcessedCursor(ctx context.Context, chatJID, value string) error {
	return s.SetCursor(ctx, processedCursorName(chatJID), value)
}
