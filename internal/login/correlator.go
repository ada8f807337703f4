// Package login bridges the event hub to the login flow: one ephemeral
// topic per Telegram user awaiting a magic-link confirmation.
package login

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/vibematch/matchbot/internal/hub"
	"github.com/vibematch/matchbot/internal/payload"
)

// Subscriber is the slice of the hub client the correlator needs.
type Subscriber interface {
	Subscribe(topic string, handler hub.Handler) (func(), error)
}

// Event is the normalized terminal login event handed to the session layer.
type Event struct {
	// ActorKey is the Telegram user id the subscription was tracking.
	ActorKey string
	// ChatID is the Telegram chat to confirm the login in. Falls back to
	// ActorKey (Telegram DMs share the user's id).
	ChatID string
	// Credential is the backend-issued JWT.
	Credential string
	// Email is the display email of the logged-in account.
	Email string
	// BackendUserID is the backend's identifier for the account.
	BackendUserID string
}

// Correlator tracks at most one live login subscription per actor key and
// invokes the callback once a valid terminal event arrives.
type Correlator struct {
	bus     Subscriber
	onLogin func(Event)

	mu   sync.Mutex
	subs map[string]func() // actorKey -> unsubscribe
}

// NewCorrelator creates a Correlator delivering valid logins to onLogin.
// The callback owns all session mutation; it runs on the hub's read
// goroutine and may be invoked again for duplicate upstream events.
func NewCorrelator(bus Subscriber, onLogin func(Event)) *Correlator {
	return &Correlator{
		bus:     bus,
		onLogin: onLogin,
		subs:    make(map[string]func()),
	}
}

// EnsureSubscription subscribes to the actor's login topic. Calling it again
// for an already-tracked key is a no-op.
func (c *Correlator) EnsureSubscription(actorKey string) error {
	if actorKey == "" {
		return fmt.Errorf("login: empty actor key")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[actorKey]; ok {
		return nil
	}

	topic := payload.LoginTopic(actorKey)
	unsubscribe, err := c.bus.Subscribe(topic, func(raw json.RawMessage, _ string) {
		c.handle(actorKey, raw)
	})
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", topic, err)
	}
	c.subs[actorKey] = unsubscribe
	log.Printf("login: watching %s", topic)
	return nil
}

// Stop releases every tracked subscription.
func (c *Correlator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, unsubscribe := range c.subs {
		unsubscribe()
		delete(c.subs, key)
	}
}

func (c *Correlator) handle(actorKey string, raw json.RawMessage) {
	m, err := payload.Decode(raw)
	if err != nil {
		log.Printf("login: undecodable event on %s: %v", payload.LoginTopic(actorKey), err)
		return
	}

	// Cross-talk guard: an event naming a different actor or chat must not
	// be correlated with this subscription's key.
	if key := payload.TelegramUserID(m); key != "" && key != actorKey {
		log.Printf("login: event for user %s arrived on subscription for %s, discarded", key, actorKey)
		return
	}
	if chat := payload.TelegramChatID(m); chat != "" && chat != actorKey {
		log.Printf("login: event for chat %s arrived on subscription for %s, discarded", chat, actorKey)
		return
	}

	jwt := payload.JWT(m)
	if jwt == "" {
		log.Printf("login: event for %s carries no jwt, ignored", actorKey)
		return
	}

	chatID := payload.TelegramChatID(m)
	if chatID == "" {
		chatID = actorKey
	}

	// Terminal event: release the subscription, then materialize the login.
	c.release(actorKey)
	c.onLogin(Event{
		ActorKey:      actorKey,
		ChatID:        chatID,
		Credential:    jwt,
		Email:         payload.Email(m),
		BackendUserID: payload.BackendUserID(m),
	})
}

func (c *Correlator) release(actorKey string) {
	c.mu.Lock()
	unsubscribe := c.subs[actorKey]
	delete(c.subs, actorKey)
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
