// Package localstore persists the client's credential and identity record
// in a local SQLite file and resolves them into one transport.Session.
//
// Earlier client versions stored these under several different keys. Reads
// walk the legacy chains in order; writes only use the canonical keys.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workdesk/chat-app/internal/auth"
	"github.com/workdesk/chat-app/internal/transport"
)

// ErrNoSession is returned when no credential token is stored.
var ErrNoSession = errors.New("localstore: no stored session")

// Canonical keys.
const (
	KeyToken = "token"
	KeyUser  = "user"
)

var (
	tokenKeys = []string{KeyToken, "authToken", "access_token"}
	userKeys  = []string{KeyUser, "currentUser", "userData"}
)

// User is the stored identity record. Different client versions wrote the
// id under different field names.
type User struct {
	ID         string `json:"id,omitempty"`
	UserID     string `json:"userId,omitempty"`
	LegacyID   string `json:"_id,omitempty"`
	EmployeeID string `json:"employeeId,omitempty"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role,omitempty"`
}

// Identity returns the first non-empty id field.
func (u User) Identity() string {
	for _, id := range []string{u.ID, u.UserID, u.LegacyID, u.EmployeeID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// Store is a key-value table in a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("localstore: create directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("localstore: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("localstore: get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	const query = `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("localstore: set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
			return fmt.Errorf("localstore: delete %s: %w", k, err)
		}
	}
	return nil
}

// SaveSession stores token and user under the canonical keys and removes
// the legacy ones so later reads are unambiguous.
func (s *Store) SaveSession(ctx context.Context, token string, user User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("localstore: encode user: %w", err)
	}
	if err := s.Clear(ctx); err != nil {
		return err
	}
	if err := s.Set(ctx, KeyToken, token); err != nil {
		return err
	}
	return s.Set(ctx, KeyUser, string(data))
}

// Clear removes every credential and identity key, legacy ones included.
func (s *Store) Clear(ctx context.Context) error {
	return s.Delete(ctx, append(append([]string{}, tokenKeys...), userKeys...)...)
}

// Session resolves the stored credential. The token is the first non-empty
// entry of the token chain; the user id comes from the first decodable user
// record, falling back to the token payload. A session without a user id is
// returned as is: the transport stays unauthenticated and logs it.
func (s *Store) Session(ctx context.Context) (transport.Session, error) {
	token, err := s.first(ctx, tokenKeys)
	if err != nil {
		return transport.Session{}, err
	}
	token = unquote(token)
	if token == "" {
		return transport.Session{}, ErrNoSession
	}

	sess := transport.Session{Token: token}
	if u, ok := s.user(ctx); ok {
		sess.UserID = u.Identity()
	}
	if sess.UserID == "" {
		id, err := auth.PeekUserID(token)
		if err != nil {
			log.Printf("[localstore] no user id in stored records or token: %v", err)
		}
		sess.UserID = id
	}
	return sess, nil
}

// User returns the first decodable identity record.
func (s *Store) User(ctx context.Context) (User, bool) {
	return s.user(ctx)
}

func (s *Store) user(ctx context.Context) (User, bool) {
	for _, k := range userKeys {
		raw, ok, err := s.Get(ctx, k)
		if err != nil || !ok || raw == "" {
			continue
		}
		var u User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			log.Printf("[localstore] ignoring undecodable %s record: %v", k, err)
			continue
		}
		if u.Identity() != "" {
			return u, true
		}
	}
	return User{}, false
}

func (s *Store) first(ctx context.Context, keys []string) (string, error) {
	for _, k := range keys {
		v, ok, err := s.Get(ctx, k)
		if err != nil {
			return "", err
		}
		if ok && strings.TrimSpace(v) != "" {
			return v, nil
		}
	}
	return "", nil
}

// unquote strips the JSON string encoding some versions stored tokens with.
func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		var s string
		if err := json.Unmarshal([]byte(v), &s); err == nil {
			return s
		}
	}
	return v
}
