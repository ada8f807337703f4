// Package relay forwards live chat messages from the event hub into
// Telegram sends, one chat-scoped topic per active Telegram chat.
package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/vibematch/matchbot/internal/hub"
	"github.com/vibematch/matchbot/internal/payload"
)

// Sender delivers text into a Telegram chat. Implemented by the bot layer.
type Sender interface {
	SendText(chatID int64, text string) error
}

// Subscriber is the slice of the hub client the relay needs.
type Subscriber interface {
	Subscribe(topic string, handler hub.Handler) (func(), error)
}

// chatState is the relay's per-Telegram-chat bookkeeping.
type chatState struct {
	selfID         string // backend user id whose own messages are suppressed
	externalChatID string
	active         bool // currently displayed to the user
	unsubscribe    func()
}

// Relay subscribes to chat topics and forwards counterpart messages.
type Relay struct {
	bus    Subscriber
	sender Sender

	mu    sync.Mutex
	chats map[int64]*chatState
}

// New creates a Relay sending forwarded messages through sender.
func New(bus Subscriber, sender Sender) *Relay {
	return &Relay{
		bus:    bus,
		sender: sender,
		chats:  make(map[int64]*chatState),
	}
}

// EnterChatMode records selfID as "self" for the Telegram chat and ensures a
// subscription to the chat's topic. Re-entering the same chat is a no-op
// apart from refreshing the self id and the displayed flag; switching to a
// different external chat drops the old topic first.
func (r *Relay) EnterChatMode(telegramChatID int64, selfID, externalChatID string) error {
	if externalChatID == "" {
		return fmt.Errorf("relay: empty external chat id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.chats[telegramChatID]; st != nil {
		if st.externalChatID == externalChatID {
			st.selfID = selfID
			st.active = true
			return nil
		}
		if st.unsubscribe != nil {
			st.unsubscribe()
		}
	}

	topic := payload.ChatTopic(externalChatID)
	unsubscribe, err := r.bus.Subscribe(topic, func(raw json.RawMessage, _ string) {
		r.handle(telegramChatID, raw)
	})
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", topic, err)
	}
	r.chats[telegramChatID] = &chatState{
		selfID:         selfID,
		externalChatID: externalChatID,
		active:         true,
		unsubscribe:    unsubscribe,
	}
	log.Printf("relay: chat %d following %s", telegramChatID, topic)
	return nil
}

// LeaveChatMode stops displaying messages for the Telegram chat. The topic
// subscription is kept so re-entering does not churn the hub connection;
// Clear drops it for good.
func (r *Relay) LeaveChatMode(telegramChatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.chats[telegramChatID]; st != nil {
		st.active = false
	}
}

// Clear tears down the whole per-chat state including the subscription.
func (r *Relay) Clear(telegramChatID int64) {
	r.mu.Lock()
	st := r.chats[telegramChatID]
	delete(r.chats, telegramChatID)
	r.mu.Unlock()
	if st != nil && st.unsubscribe != nil {
		st.unsubscribe()
	}
}

// Stop clears every tracked chat.
func (r *Relay) Stop() {
	r.mu.Lock()
	chats := r.chats
	r.chats = make(map[int64]*chatState)
	r.mu.Unlock()
	for _, st := range chats {
		if st.unsubscribe != nil {
			st.unsubscribe()
		}
	}
}

func (r *Relay) handle(telegramChatID int64, raw json.RawMessage) {
	m, err := payload.Decode(raw)
	if err != nil {
		log.Printf("relay: undecodable event for chat %d: %v", telegramChatID, err)
		return
	}

	r.mu.Lock()
	st := r.chats[telegramChatID]
	if st == nil || !st.active {
		r.mu.Unlock()
		return // not displayed right now; message suppressed
	}
	self := st.selfID
	r.mu.Unlock()

	if sender := payload.SenderID(m); sender != "" && sender == self {
		return // self-echo
	}
	content := payload.Content(m)
	if content == "" {
		return
	}

	if err := r.sender.SendText(telegramChatID, "💬 "+content); err != nil {
		log.Printf("relay: sending to chat %d: %v", telegramChatID, err)
	}
}
