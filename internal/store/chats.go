package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrChatNotFound is returned when a chat lookup misses.
var ErrChatNotFound = errors.New("chat not found")

var folderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidFolder reports whether slug is usable as a chat folder. Folders
// double as filesystem/IPC identities so the charset is strict.
func ValidFolder(slug string) bool {
	return folderPattern.MatchString(slug)
}

// RegisterChat inserts a new registered chat. The folder slug must be
// unique and immutable; setting IsMain demotes no one — registration
// fails if another main chat exists.
func (s *Store) RegisterChat(ctx context.Context, chat Chat) error {
	if chat.JID == "" {
		return errors.New("chat jid is required")
	}
	if !ValidFolder(chat.Folder) {
		return fmt.Errorf("invalid chat folder %q", chat.Folder)
	}
	if chat.AddedAt.IsZero() {
		chat.AddedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO chats (jid, name, folder, added_at, is_main) VALUES (?, ?, ?, ?, ?)`,
		chat.JID, chat.Name, chat.Folder, TimestampFormat(chat.AddedAt), boolInt(chat.IsMain),
	)
	if err != nil {
		return fmt.Errorf("register chat %s: %w", chat.JID, err)
	}
	return nil
}

// UnregisterChat removes a chat together with its persisted session
// and scheduled tasks, as one transaction. Its messages are kept;
// retention is an external concern.
func (s *Store) UnregisterChat(ctx context.Context, jid string) error {
	chat, err := s.GetChat(ctx, jid)
	if err != nil {
		return err
	}
	err = s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE jid = ?`, jid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE chat_folder = ?`, chat.Folder); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE chat_folder = ?`, chat.Folder)
		return err
	})
	if err != nil {
		return fmt.Errorf("unregister chat %s: %w", jid, err)
	}
	return nil
}

// RenameChat updates the display name. The folder never changes.
func (s *Store) RenameChat(ctx context.Context, jid, name string) error {
	res, err := s.exec(ctx, `UPDATE chats SET name = ? WHERE jid = ?`, name, jid)
	if err != nil {
		return fmt.Errorf("rename chat %s: %w", jid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// ListChats returns all registered chats ordered by registration time.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT jid, name, folder, added_at, is_main FROM chats ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat looks up a chat by its channel JID.
func (s *Store) GetChat(ctx context.Context, jid string) (*Chat, error) {
	return s.chatWhere(ctx, "jid = ?", jid)
}

// GetChatByFolder looks up a chat by its folder slug.
func (s *Store) GetChatByFolder(ctx context.Context, folder string) (*Chat, error) {
	return s.chatWhere(ctx, "folder = ?", folder)
}

// MainChat returns the designated main chat, or ErrChatNotFound when
// no chat is flagged as main.
func (s *Store) MainChat(ctx context.Context) (*Chat, error) {
	return s.chatWhere(ctx, "is_main = 1")
}

func (s *Store) chatWhere(ctx context.Context, where string, args ...any) (*Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT jid, name, folder, added_at, is_main FROM chats WHERE `+where, args...)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(r rowScanner) (Chat, error) {
	var c Chat
	var addedAt string
	var isMain int
	if err := r.Scan(&c.JID, &c.Name, &c.Folder, &addedAt, &isMain); err != nil {
		return c, err
	}
	if t, err := time.Parse(time.RFC3339Nano, addedAt); err == nil {
		c.AddedAt = t
	}
	c.IsMain = isMain == 1
	return c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
