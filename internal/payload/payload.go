// Package payload normalizes the event payloads published to the hub.
//
// The backend's event producers have drifted over time and spell the same
// logical field several ways. Each accessor below encodes the precedence
// order over the known spellings once, so the rest of the codebase never has
// to care. First present, non-empty field wins; JSON numbers are normalized
// to their decimal string form.
package payload

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Known spellings per logical field, in precedence order.
var (
	telegramUserIDFields = []string{"telegram_user_id", "tg_user_id", "telegramUserId", "tg_id"}
	telegramChatIDFields = []string{"telegram_chat_id", "tg_chat_id", "telegramChatId", "chat_id"}
	backendUserIDFields  = []string{"user_id", "userId", "external_user_id"}
	senderIDFields       = []string{"sender_id", "senderId", "from_user_id", "from"}
	contentFields        = []string{"content", "text", "message"}
)

// Decode unmarshals a raw hub payload into a generic map.
func Decode(raw json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding event payload: %w", err)
	}
	return m, nil
}

// TelegramUserID resolves the Telegram user (actor) identifier.
func TelegramUserID(m map[string]any) string {
	return firstString(m, telegramUserIDFields)
}

// TelegramChatID resolves the Telegram chat identifier.
func TelegramChatID(m map[string]any) string {
	return firstString(m, telegramChatIDFields)
}

// BackendUserID resolves the backend's own user identifier.
func BackendUserID(m map[string]any) string {
	return firstString(m, backendUserIDFields)
}

// SenderID resolves the sender of a chat message payload.
func SenderID(m map[string]any) string {
	return firstString(m, senderIDFields)
}

// Content resolves the textual content of a chat message payload.
func Content(m map[string]any) string {
	return firstString(m, contentFields)
}

// JWT returns the backend-issued credential. Login events without it are not
// actionable; there are no alternate spellings for this field.
func JWT(m map[string]any) string {
	return firstString(m, []string{"jwt"})
}

// Email returns the display email carried by login events.
func Email(m map[string]any) string {
	return firstString(m, []string{"email"})
}

// LoginTopic is the ephemeral per-actor topic carrying login confirmations.
func LoginTopic(actorKey string) string {
	return "/tg/login/" + actorKey
}

// ChatTopic is the chat-scoped topic carrying live messages.
func ChatTopic(externalChatID string) string {
	return "/chats/" + externalChatID
}

// Topics derives target topics from a payload for records that arrive
// without explicit topic hints: an explicit `topic` field wins, otherwise
// the identifier fields map to their login/chat topics.
func Topics(raw json.RawMessage) []string {
	m, err := Decode(raw)
	if err != nil {
		return nil
	}
	if t := firstString(m, []string{"topic"}); t != "" {
		return []string{t}
	}
	var topics []string
	if id := TelegramUserID(m); id != "" {
		topics = append(topics, LoginTopic(id))
	}
	if id := firstString(m, telegramChatIDFields); id != "" {
		topics = append(topics, ChatTopic(id))
	}
	return topics
}

func firstString(m map[string]any, names []string) string {
	for _, name := range names {
		v, ok := m[name]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case json.Number:
			return t.String()
		}
	}
	return ""
}
