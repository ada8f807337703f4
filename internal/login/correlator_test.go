package login_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/vibematch/matchbot/internal/hub"
	"github.com/vibematch/matchbot/internal/login"
)

// fakeBus records subscriptions and lets tests push events straight into the
// registered handlers.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]hub.Handler
	unsubs   map[string]int // topic -> unsubscribe call count
	subCalls int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers: make(map[string]hub.Handler),
		unsubs:   make(map[string]int),
	}
}

func (b *fakeBus) Subscribe(topic string, handler hub.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subCalls++
	b.handlers[topic] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.unsubs[topic]++
		delete(b.handlers, topic)
	}, nil
}

func (b *fakeBus) emit(t *testing.T, topic, raw string) {
	t.Helper()
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()
	if handler == nil {
		t.Fatalf("no handler registered for %s", topic)
	}
	handler(json.RawMessage(raw), topic)
}

func (b *fakeBus) unsubCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubs[topic]
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

func TestCorrelator_ValidLogin(t *testing.T) {
	bus := newFakeBus()
	var events []login.Event
	c := login.NewCorrelator(bus, func(ev login.Event) { events = append(events, ev) })

	if err := c.EnsureSubscription("42"); err != nil {
		t.Fatalf("EnsureSubscription: %v", err)
	}

	bus.emit(t, "/tg/login/42", `{"telegram_user_id":"42","jwt":"abc","email":"a@b.com","user_id":"u-7"}`)

	if len(events) != 1 {
		t.Fatalf("got %d login events, want 1", len(events))
	}
	ev := events[0]
	if ev.ActorKey != "42" {
		t.Errorf("ActorKey = %q, want %q", ev.ActorKey, "42")
	}
	if ev.Credential != "abc" {
		t.Errorf("Credential = %q, want %q", ev.Credential, "abc")
	}
	if ev.Email != "a@b.com" {
		t.Errorf("Email = %q, want %q", ev.Email, "a@b.com")
	}
	if ev.BackendUserID != "u-7" {
		t.Errorf("BackendUserID = %q, want %q", ev.BackendUserID, "u-7")
	}
	// Chat id falls back to the actor key for DMs.
	if ev.ChatID != "42" {
		t.Errorf("ChatID = %q, want %q", ev.ChatID, "42")
	}

	// A terminal event releases the subscription.
	if got := bus.unsubCount("/tg/login/42"); got != 1 {
		t.Errorf("unsubscribe count = %d, want 1", got)
	}
}

func TestCorrelator_SpellingVariants(t *testing.T) {
	bus := newFakeBus()
	var events []login.Event
	c := login.NewCorrelator(bus, func(ev login.Event) { events = append(events, ev) })

	c.EnsureSubscription("42")
	bus.emit(t, "/tg/login/42", `{"tg_user_id":"42","jwt":"abc"}`)

	if len(events) != 1 {
		t.Fatalf("got %d login events, want 1", len(events))
	}
}

// ---------------------------------------------------------------------------
// Guards
// ---------------------------------------------------------------------------

func TestCorrelator_CrossTalkDiscarded(t *testing.T) {
	bus := newFakeBus()
	called := false
	c := login.NewCorrelator(bus, func(login.Event) { called = true })

	c.EnsureSubscription("42")
	bus.emit(t, "/tg/login/42", `{"telegram_user_id":"99","jwt":"abc"}`)

	if called {
		t.Error("onLogin called for an event naming a different user")
	}
	if got := bus.unsubCount("/tg/login/42"); got != 0 {
		t.Errorf("unsubscribe count = %d, want 0 (subscription must survive cross-talk)", got)
	}
}

func TestCorrelator_MissingJWTIgnored(t *testing.T) {
	bus := newFakeBus()
	called := false
	c := login.NewCorrelator(bus, func(login.Event) { called = true })

	c.EnsureSubscription("42")
	bus.emit(t, "/tg/login/42", `{"telegram_user_id":"42","email":"a@b.com"}`)

	if called {
		t.Error("onLogin called for an event without a jwt")
	}
	if got := bus.unsubCount("/tg/login/42"); got != 0 {
		t.Errorf("unsubscribe count = %d, want 0 (non-terminal event keeps the watch)", got)
	}
}

func TestCorrelator_UndecodableIgnored(t *testing.T) {
	bus := newFakeBus()
	called := false
	c := login.NewCorrelator(bus, func(login.Event) { called = true })

	c.EnsureSubscription("42")
	bus.emit(t, "/tg/login/42", `{broken`)

	if called {
		t.Error("onLogin called for an undecodable event")
	}
}

// ---------------------------------------------------------------------------
// Subscription lifecycle
// ---------------------------------------------------------------------------

func TestEnsureSubscription_Idempotent(t *testing.T) {
	bus := newFakeBus()
	c := login.NewCorrelator(bus, func(login.Event) {})

	c.EnsureSubscription("42")
	c.EnsureSubscription("42")
	c.EnsureSubscription("42")

	if bus.subCalls != 1 {
		t.Errorf("Subscribe calls = %d, want 1", bus.subCalls)
	}
}

func TestEnsureSubscription_EmptyKey(t *testing.T) {
	c := login.NewCorrelator(newFakeBus(), func(login.Event) {})
	if err := c.EnsureSubscription(""); err == nil {
		t.Fatal("EnsureSubscription(\"\"): err = nil, want error")
	}
}

func TestCorrelator_Stop(t *testing.T) {
	bus := newFakeBus()
	c := login.NewCorrelator(bus, func(login.Event) {})

	c.EnsureSubscription("42")
	c.EnsureSubscription("43")
	c.Stop()

	if got := bus.unsubCount("/tg/login/42"); got != 1 {
		t.Errorf("unsubscribe count for /tg/login/42 = %d, want 1", got)
	}
	if got := bus.unsubCount("/tg/login/43"); got != 1 {
		t.Errorf("unsubscribe count for /tg/login/43 = %d, want 1", got)
	}

	// Re-subscribing after Stop works and is a fresh subscription.
	c.EnsureSubscription("42")
	if bus.subCalls != 3 {
		t.Errorf("Subscribe calls = %d, want 3", bus.subCalls)
	}
}
