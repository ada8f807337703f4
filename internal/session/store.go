// Package session provides user session persistence and the in-memory
// registry handed to the bot and login layers.
package session

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// State represents where a user is in the login/chat lifecycle.
type State string

const (
	// StateAnonymous means the user has talked to the bot but never logged in.
	StateAnonymous State = "anonymous"
	// StatePendingLogin means a magic link was requested and the login
	// topic is (or should be) subscribed.
	StatePendingLogin State = "pending_login"
	// StateActive means the user holds a valid backend credential.
	StateActive State = "active"
	// StateChatting means the user is in live chat mode.
	StateChatting State = "chatting"
)

// Session is the per-Telegram-user state the bot keeps across restarts.
type Session struct {
	TelegramUserID string    `json:"telegram_user_id"`
	TelegramChatID int64     `json:"telegram_chat_id"`
	JWT            string    `json:"-"`
	Email          string    `json:"email,omitempty"`
	BackendUserID  string    `json:"backend_user_id,omitempty"`
	ExternalChatID string    `json:"external_chat_id,omitempty"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store manages session persistence in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tg_sessions (
			telegram_user_id TEXT PRIMARY KEY,
			telegram_chat_id INTEGER NOT NULL DEFAULT 0,
			jwt              TEXT NOT NULL DEFAULT '',
			email            TEXT NOT NULL DEFAULT '',
			backend_user_id  TEXT NOT NULL DEFAULT '',
			external_chat_id TEXT NOT NULL DEFAULT '',
			state            TEXT NOT NULL DEFAULT 'anonymous',
			created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces the session keyed by Telegram user id.
func (s *Store) Upsert(sess *Session) error {
	if sess.State == "" {
		sess.State = StateAnonymous
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO tg_sessions
			(telegram_user_id, telegram_chat_id, jwt, email, backend_user_id,
			 external_chat_id, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(telegram_user_id) DO UPDATE SET
			telegram_chat_id = excluded.telegram_chat_id,
			jwt              = excluded.jwt,
			email            = excluded.email,
			backend_user_id  = excluded.backend_user_id,
			external_chat_id = excluded.external_chat_id,
			state            = excluded.state,
			updated_at       = excluded.updated_at`,
		sess.TelegramUserID, sess.TelegramChatID, sess.JWT, sess.Email,
		sess.BackendUserID, sess.ExternalChatID, sess.State,
		sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

// Get retrieves a session by Telegram user id.
func (s *Store) Get(telegramUserID string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT telegram_user_id, telegram_chat_id, jwt, email, backend_user_id,
		        external_chat_id, state, created_at, updated_at
		 FROM tg_sessions WHERE telegram_user_id = ?`, telegramUserID,
	)
	sess := &Session{}
	err := row.Scan(
		&sess.TelegramUserID, &sess.TelegramChatID, &sess.JWT, &sess.Email,
		&sess.BackendUserID, &sess.ExternalChatID, &sess.State,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *Store) Delete(telegramUserID string) error {
	_, err := s.db.Exec(`DELETE FROM tg_sessions WHERE telegram_user_id = ?`, telegramUserID)
	return err
}

// List returns all sessions ordered by creation time (newest first).
func (s *Store) List() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT telegram_user_id, telegram_chat_id, jwt, email, backend_user_id,
		        external_chat_id, state, created_at, updated_at
		 FROM tg_sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(
			&sess.TelegramUserID, &sess.TelegramChatID, &sess.JWT, &sess.Email,
			&sess.BackendUserID, &sess.ExternalChatID, &sess.State,
			&sess.CreatedAt, &sess.UpdatedAt,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
