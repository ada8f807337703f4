package session

import (
	"fmt"
	"sync"
)

// Registry is the process-wide session map, constructed explicitly at
// startup and passed to collaborators — there is deliberately no package-
// level instance. It keeps a write-through in-memory view of the Store so
// lookups on the bot's hot path never hit the database.
type Registry struct {
	store *Store

	mu     sync.RWMutex
	byUser map[string]*Session
	byChat map[int64]*Session
}

// NewRegistry loads all persisted sessions into memory.
func NewRegistry(store *Store) (*Registry, error) {
	sessions, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}
	r := &Registry{
		store:  store,
		byUser: make(map[string]*Session, len(sessions)),
		byChat: make(map[int64]*Session, len(sessions)),
	}
	for _, sess := range sessions {
		r.byUser[sess.TelegramUserID] = sess
		if sess.TelegramChatID != 0 {
			r.byChat[sess.TelegramChatID] = sess
		}
	}
	return r, nil
}

// Get returns the session for a Telegram user id, or nil.
func (r *Registry) Get(telegramUserID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[telegramUserID]
}

// GetByChat returns the session bound to a Telegram chat id, or nil.
func (r *Registry) GetByChat(telegramChatID int64) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byChat[telegramChatID]
}

// Put stores the session in memory and writes it through to the database.
func (r *Registry) Put(sess *Session) error {
	if err := r.store.Upsert(sess); err != nil {
		return fmt.Errorf("persisting session %s: %w", sess.TelegramUserID, err)
	}
	r.mu.Lock()
	r.byUser[sess.TelegramUserID] = sess
	if sess.TelegramChatID != 0 {
		r.byChat[sess.TelegramChatID] = sess
	}
	r.mu.Unlock()
	return nil
}

// Delete drops the session from memory and the database.
func (r *Registry) Delete(telegramUserID string) error {
	r.mu.Lock()
	if sess := r.byUser[telegramUserID]; sess != nil {
		delete(r.byChat, sess.TelegramChatID)
	}
	delete(r.byUser, telegramUserID)
	r.mu.Unlock()
	return r.store.Delete(telegramUserID)
}

// List returns a snapshot of all in-memory sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byUser))
	for _, sess := range r.byUser {
		out = append(out, sess)
	}
	return out
}
