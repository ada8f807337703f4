package relay_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/vibematch/matchbot/internal/hub"
	"github.com/vibematch/matchbot/internal/relay"
)

type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]hub.Handler
	unsubs   map[string]int
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

type fakeSender struct {
	mu    sync.Mutex
	sends []string
}

func (s *fakeSender) SendText(chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, text)
	return nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sends...)
}

// ---------------------------------------------------------------------------
// Forwarding
// ---------------------------------------------------------------------------

func TestRelay_ForwardsCounterpartMessage(t *testing.T) {
	bus := newFakeBus()
	sender := &fakeSender{}
	r := relay.New(bus, sender)

	if err := r.EnterChatMode(100, "me", "c9"); err != nil {
		t.Fatalf("EnterChatMode: %v", err)
	}

	bus.emit(t, "/chats/c9", `{"sender_id":"them","content":"hello"}`)

	sends := sender.sent()
	if len(sends) != 1 {
		t.Fatalf("got %d sends, want 1", len(sends))
	}
	if sends[0] != "💬 hello" {
		t.Errorf("sent text = %q, want %q", sends[0], "💬 hello")
	}
}

func TestRelay_SuppressesSelfEcho(t *testing.T) {
	bus := newFakeBus()
	sender := &fakeSender{}
	r := relay.New(bus, sender)

	r.EnterChatMode(100, "me", "c9")
	bus.emit(t, "/chats/c9", `{"sender_id":"me","content":"my own message"}`)

	if got := len(sender.sent()); got != 0 {
		t.Errorf("got %d sends, want 0 (own message must not echo back)", got)
	}
}

func TestRelay_SuppressesEmptyContent(t *testing.T) {
	bus := newFakeBus()
	sender := &fakeSender{}
	r := relay.New(bus, sender)

	r.EnterChatMode(100, "me", "c9")
	bus.emit(t, "/chats/c9", `{"sender_id":"them","typing":true}`)

	if got := len(sender.sent()); got != 0 {
		t.Errorf("got %d sends, want 0 (no content to forward)", got)
	}
}

func TestRelay_UndecodableIgnored(t *testing.T) {
	bus := newFakeBus()
	sender := &fakeSender{}
	r := relay.New(bus, sender)

	r.EnterChatMode(100, "me", "c9")
	bus.emit(t, "/chats/c9", `{broken`)

	if got := len(sender.sent()); got != 0 {
		t.Errorf("got %d sends, want 0", got)
	}
}

// ---------------------------------------------------------------------------
// Leave vs clear
// ---------------------------------------------------------------------------

func TestRelay_LeaveRetainsSubscription(t *testing.T) {
	bus := newFakeBus()
	sender := &fakeSender{}
	r := relay.New(bus, sender)

	r.EnterChatMode(100, "me", "c9")
	r.LeaveChatMode(100)

	// Subscription survives, but messages stop being displayed.
	if got := bus.unsubCount("/chats/c9"); got != 0 {
		t.Errorf("unsubscribe count = %d, want 0 (leave keeps the topic)", got)
	}
	bus.emit(t, "/chats/c9", `{"sender_id":"them","content":"while away"}`)
	if got := len(sender.sent()); got != 0 {
		t.Errorf("got %d sends, want 0 after leaving", got)
	}

	// Re-entering the same chat reuses the subscription and resumes display.
	r.EnterChatMode(100, "me", "c9")
	if bus.subCalls != 1 {
		t.Errorf("Subscribe calls = %d, want 1 (re-enter must reuse)", bus.subCalls)
	}
	bus.emit(t, "/chats/c9", `{"sender_id":"them","content":"back"}`)
	if got := len(sender.sent()); got != 1 {
		t.Errorf("got %d sends, want 1 after re-entering", got)
	}
}

func TestRelay_ClearDropsSubscription(t *testing.T) {
	bus := newFakeBus()
	r := relay.New(bus, &fakeSender{})

	r.EnterChatMode(100, "me", "c9")
	r.Clear(100)

	if got := bus.unsubCount("/chats/c9"); got != 1 {
		t.Errorf("unsubscribe count = %d, want 1", got)
	}
	r.Clear(100) // idempotent
	if got := bus.unsubCount("/chats/c9"); got != 1 {
		t.Errorf("unsubscribe count after second Clear = %d, want 1", got)
	}
}

func TestRelay_SwitchingChatsDropsOldTopic(t *testing.T) {
	bus := newFakeBus()
	r := relay.New(bus, &fakeSender{})

	r.EnterChatMode(100, "me", "c9")
	r.EnterChatMode(100, "me", "c10")

	if got := bus.unsubCount("/chats/c9"); got != 1 {
		t.Errorf("unsubscribe count for old topic = %d, want 1", got)
	}
	if bus.subCalls != 2 {
		t.Errorf("Subscribe calls = %d, want 2", bus.subCalls)
	}
}

func TestRelay_EmptyExternalChatID(t *testing.T) {
	r := relay.New(newFakeBus(), &fakeSender{})
	if err := r.EnterChatMode(100, "me", ""); err == nil {
		t.Fatal("EnterChatMode with empty chat id: err = nil, want error")
	}
}

func TestRelay_Stop(t *testing.T) {
	bus := newFakeBus()
	r := relay.New(bus, &fakeSender{})

	r.EnterChatMode(100, "me", "c9")
	r.EnterChatMode(200, "you", "c10")
	r.Stop()

	if got := bus.unsubCount("/chats/c9"); got != 1 {
		t.Errorf("unsubscribe count for /chats/c9 = %d, want 1", got)
	}
	if got := bus.unsubCount("/chats/c10"); got != 1 {
		t.Errorf("unsubscribe count for /chats/c10 = %d, want 1", got)
	}
}
