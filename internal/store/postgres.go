// Package store provides PostgreSQL-backed storage for chats, memberships,
// messages and read cursors. The schema is applied at startup from embedded
// migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/workdesk/chat-app/internal/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// History page bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrNotMember = errors.New("store: not a member of the chat")
	ErrInvalid   = errors.New("store: invalid request")
)

// Store manages chat state in PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to dsn, applies pending migrations and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an already migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate applies the embedded migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	defer src.Close()

	drv, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertEmployee creates or updates a roster entry.
func (s *Store) UpsertEmployee(ctx context.Context, p chat.Participant) error {
	const query = `
		INSERT INTO employees (id, name, role) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, role = excluded.role`
	if _, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Role); err != nil {
		return fmt.Errorf("store: upsert employee: %w", err)
	}
	return nil
}

// Roster returns every active employee except userID, by name.
func (s *Store) Roster(ctx context.Context, userID string) ([]chat.Participant, error) {
	const query = `
		SELECT id, name, role FROM employees
		WHERE active AND id <> $1
		ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: roster: %w", err)
	}
	defer rows.Close()

	var out []chat.Participant
	for rows.Next() {
		var p chat.Participant
		if err := rows.Scan(&p.ID, &p.Name, &p.Role); err != nil {
			return nil, fmt.Errorf("store: roster scan: %w", err)
		}
		p.Presence = chat.PresenceOffline
		out = append(out, p)
	}
	return out, rows.Err()
}

// IsMember reports whether userID belongs to chatID.
func (s *Store) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	if _, err := uuid.Parse(chatID); err != nil {
		return false, nil
	}
	const query = `SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)`
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: membership: %w", err)
	}
	return ok, nil
}

// Members returns the user ids of chatID, sorted.
func (s *Store) Members(ctx context.Context, chatID string) ([]string, error) {
	if _, err := uuid.Parse(chatID); err != nil {
		return nil, ErrNotFound
	}
	var ids []string
	const query = `SELECT ARRAY(SELECT user_id FROM chat_members WHERE chat_id = $1 ORDER BY user_id)`
	if err := s.db.QueryRowContext(ctx, query, chatID).Scan(pq.Array(&ids)); err != nil {
		return nil, fmt.Errorf("store: members: %w", err)
	}
	return ids, nil
}

// ListChats returns the chats userID belongs to, most recent activity first,
// with the preview of the last message and the number of messages from
// others newer than the user's read cursor. Direct chats are named after the
// other participant.
func (s *Store) ListChats(ctx context.Context, userID string) ([]chat.Chat, error) {
	const query = `
		SELECT c.id, c.kind,
		       CASE WHEN c.kind = 'direct' THEN COALESCE((
		           SELECT e.name FROM chat_members om
		           JOIN employees e ON e.id = om.user_id
		           WHERE om.chat_id = c.id AND om.user_id <> $1
		           LIMIT 1), c.name)
		       ELSE c.name END,
		       COALESCE(lm.content, ''), lm.created_at,
		       (SELECT COUNT(*) FROM messages um
		        WHERE um.chat_id = c.id AND um.sender_id <> $1 AND um.created_at > cm.last_read_at),
		       ARRAY(SELECT pm.user_id FROM chat_members pm WHERE pm.chat_id = c.id ORDER BY pm.user_id)
		FROM chat_members cm
		JOIN chats c ON c.id = cm.chat_id
		LEFT JOIN LATERAL (
		    SELECT content, created_at FROM messages
		    WHERE chat_id = c.id
		    ORDER BY created_at DESC
		    LIMIT 1) lm ON TRUE
		WHERE cm.user_id = $1
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC, c.id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}
	defer rows.Close()

	var out []chat.Chat
	for rows.Next() {
		var (
			c    chat.Chat
			kind string
			last sql.NullTime
		)
		if err := rows.Scan(&c.ID, &kind, &c.Name, &c.LastMessage, &last, &c.UnreadCount, pq.Array(&c.Participants)); err != nil {
			return nil, fmt.Errorf("store: list chats scan: %w", err)
		}
		c.Kind = chat.Kind(kind)
		if last.Valid {
			c.LastMessageAt = last.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// History returns the newest limit messages of chatID, oldest first. A
// message is read once any member other than its sender has a read cursor
// at or after it.
func (s *Store) History(ctx context.Context, chatID, viewerID string, limit int) ([]chat.Message, error) {
	if err := s.requireMember(ctx, chatID, viewerID); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)

	const query = `
		SELECT m.id, m.chat_id, m.sender_id, COALESCE(e.name, ''), m.content,
		       COALESCE(m.client_message_id, ''), m.created_at,
		       EXISTS(SELECT 1 FROM chat_members r
		              WHERE r.chat_id = m.chat_id AND r.user_id <> m.sender_id
		                AND r.last_read_at >= m.created_at)
		FROM messages m
		LEFT JOIN employees e ON e.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m    chat.Message
			read bool
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Content, &m.ClientID, &m.CreatedAt, &read); err != nil {
			return nil, fmt.Errorf("store: history scan: %w", err)
		}
		m.Status = chat.StatusSent
		if read {
			m.Status = chat.StatusRead
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveMessage persists m and reports whether a row was inserted. A message
// with a client id already stored for the same chat and sender is returned
// as is with created false.
func (s *Store) SaveMessage(ctx context.Context, m chat.Message) (chat.Message, bool, error) {
	if err := s.requireMember(ctx, m.ChatID, m.SenderID); err != nil {
		return chat.Message{}, false, err
	}

	clientID := sql.NullString{String: m.ClientID, Valid: m.ClientID != ""}
	const insert = `
		INSERT INTO messages (id, chat_id, sender_id, content, client_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chat_id, sender_id, client_message_id) WHERE client_message_id IS NOT NULL
		DO NOTHING
		RETURNING id, created_at`

	out := m
	err := s.db.QueryRowContext(ctx, insert,
		uuid.New(), m.ChatID, m.SenderID, m.Content, clientID, s.now().UTC(),
	).Scan(&out.ID, &out.CreatedAt)

	created := err == nil
	if errors.Is(err, sql.ErrNoRows) {
		const existing = `
			SELECT id, content, created_at FROM messages
			WHERE chat_id = $1 AND sender_id = $2 AND client_message_id = $3`
		err = s.db.QueryRowContext(ctx, existing, m.ChatID, m.SenderID, m.ClientID).
			Scan(&out.ID, &out.Content, &out.CreatedAt)
	}
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("store: save message: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT name FROM employees WHERE id = $1`, m.SenderID).Scan(&out.SenderName); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, false, fmt.Errorf("store: sender name: %w", err)
	}
	out.Status = chat.StatusSent
	return out, created, nil
}

// MarkRead advances userID's read cursor in chatID to messageID, or to the
// newest message when messageID is empty. Cursors never move backwards, so
// repeating the call is harmless. The returned receipt names the message
// the cursor now covers.
func (s *Store) MarkRead(ctx context.Context, chatID, userID, messageID string) (chat.Receipt, error) {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return chat.Receipt{}, err
	}

	var (
		target string
		at     time.Time
		err    error
	)
	if messageID == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT id, created_at FROM messages WHERE chat_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
			chatID).Scan(&target, &at)
		if errors.Is(err, sql.ErrNoRows) {
			// Nothing to read yet.
			return chat.Receipt{ChatID: chatID, ReaderID: userID, State: chat.StatusRead, At: s.now()}, nil
		}
	} else {
		if _, perr := uuid.Parse(messageID); perr != nil {
			return chat.Receipt{}, ErrNotFound
		}
		err = s.db.QueryRowContext(ctx,
			`SELECT id, created_at FROM messages WHERE chat_id = $1 AND id = $2`,
			chatID, messageID).Scan(&target, &at)
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Receipt{}, ErrNotFound
		}
	}
	if err != nil {
		return chat.Receipt{}, fmt.Errorf("store: mark read lookup: %w", err)
	}

	const update = `
		UPDATE chat_members SET last_read_at = GREATEST(last_read_at, $3)
		WHERE chat_id = $1 AND user_id = $2`
	if _, err := s.db.ExecContext(ctx, update, chatID, userID, at); err != nil {
		return chat.Receipt{}, fmt.Errorf("store: mark read: %w", err)
	}
	return chat.Receipt{ChatID: chatID, MessageID: target, ReaderID: userID, State: chat.StatusRead, At: s.now()}, nil
}

// OpenDirect returns the direct chat between userID and recipientID,
// creating it on first use. The pair is unordered.
func (s *Store) OpenDirect(ctx context.Context, userID, recipientID string) (chat.Chat, error) {
	if userID == recipientID || recipientID == "" {
		return chat.Chat{}, ErrInvalid
	}

	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM employees WHERE id = $1 AND active`, recipientID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Chat{}, ErrNotFound
	}
	if err != nil {
		return chat.Chat{}, fmt.Errorf("store: open direct: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Chat{}, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	key := DirectKey(userID, recipientID)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, kind, direct_key) VALUES ($1, 'direct', $2) ON CONFLICT (direct_key) DO NOTHING`,
		uuid.New(), key); err != nil {
		return chat.Chat{}, fmt.Errorf("store: create direct: %w", err)
	}

	var chatID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM chats WHERE direct_key = $1`, key).Scan(&chatID); err != nil {
		return chat.Chat{}, fmt.Errorf("store: direct lookup: %w", err)
	}
	if err := addMembers(ctx, tx, chatID, []string{userID, recipientID}); err != nil {
		return chat.Chat{}, err
	}
	if err := tx.Commit(); err != nil {
		return chat.Chat{}, fmt.Errorf("store: commit: %w", err)
	}

	participants := []string{userID, recipientID}
	sort.Strings(participants)
	return chat.Chat{ID: chatID, Name: name, Kind: chat.KindDirect, Participants: participants}, nil
}

// CreateChat creates a group or announcement chat with the given members.
func (s *Store) CreateChat(ctx context.Context, name string, kind chat.Kind, members []string) (chat.Chat, error) {
	if name == "" || (kind != chat.KindGroup && kind != chat.KindAnnouncement) || len(members) == 0 {
		return chat.Chat{}, ErrInvalid
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Chat{}, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `INSERT INTO chats (id, name, kind) VALUES ($1, $2, $3)`, id, name, string(kind)); err != nil {
		return chat.Chat{}, fmt.Errorf("store: create chat: %w", err)
	}
	if err := addMembers(ctx, tx, id, members); err != nil {
		return chat.Chat{}, err
	}
	if err := tx.Commit(); err != nil {
		return chat.Chat{}, fmt.Errorf("store: commit: %w", err)
	}

	participants := append([]string(nil), members...)
	sort.Strings(participants)
	return chat.Chat{ID: id, Name: name, Kind: kind, Participants: participants}, nil
}

func addMembers(ctx context.Context, tx *sql.Tx, chatID string, members []string) error {
	for _, userID := range members {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2) ON CONFLICT (chat_id, user_id) DO NOTHING`,
			chatID, userID)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return fmt.Errorf("%w: unknown employee %s", ErrNotFound, userID)
		}
		if err != nil {
			return fmt.Errorf("store: add member: %w", err)
		}
	}
	return nil
}

func (s *Store) requireMember(ctx context.Context, chatID, userID string) error {
	if _, err := uuid.Parse(chatID); err != nil {
		return ErrNotFound
	}
	ok, err := s.IsMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

// DirectKey is the unordered identity of a user pair.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// ClampLimit maps a requested page size into [1, MaxHistoryLimit],
// defaulting non-positive values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}
