// Package telegram provides the Telegram bot surface for matchbot.
//
// The bot proxies user actions to the matching-service backend and shows
// realtime results relayed from the event hub:
//   - /login requests a magic link; the confirmation arrives on the user's
//     hub login topic and is materialized by the login correlator.
//   - /find creates a match request.
//   - /chat <id> enters live chat mode; counterpart messages are forwarded
//     by the chat relay, plain messages go to the backend chat.
//
// Uses long polling — no public URL or webhook needed.
package telegram

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/vibematch/matchbot/internal/backend"
	"github.com/vibematch/matchbot/internal/session"
)

// Backend is the slice of the REST client the bot needs.
type Backend interface {
	RequestMagicLink(ctx context.Context, telegramUserID string, telegramChatID int64) error
	CreateMatchRequest(ctx context.Context, jwt string, prefs backend.MatchPreferences) (*backend.MatchRequest, error)
	SendFeedback(ctx context.Context, jwt, matchID string, liked bool) error
	SendChatMessage(ctx context.Context, jwt, chatID, text string) (*backend.ChatMessage, error)
}

// LoginWatcher subscribes login topics on the hub (the login correlator).
type LoginWatcher interface {
	EnsureSubscription(actorKey string) error
}

// ChatRelay controls live chat forwarding (the chat relay).
type ChatRelay interface {
	EnterChatMode(telegramChatID int64, selfID, externalChatID string) error
	LeaveChatMode(telegramChatID int64)
	Clear(telegramChatID int64)
}

// Bot is the Telegram bot for matchbot.
type Bot struct {
	api      *tgbotapi.BotAPI
	sessions *session.Registry
	backend  Backend
	logins   LoginWatcher
	relay    ChatRelay
}

// NewBot creates a new Telegram bot.
func NewBot(token string, sessions *session.Registry, be Backend, logins LoginWatcher, relay ChatRelay) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}

	log.Printf("Telegram bot authorized as @%s", api.Self.UserName)

	return &Bot{
		api:      api,
		sessions: sessions,
		backend:  be,
		logins:   logins,
		relay:    relay,
	}, nil
}

// Run starts the long-polling loop. Blocks until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	log.Println("Telegram bot listening for messages...")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go b.handleMessage(ctx, update.Message)
			}
		}
	}
}

// SendText delivers plain text into a Telegram chat. Implements the chat
// relay's Sender.
func (b *Bot) SendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("sending Telegram message: %w", err)
	}
	return nil
}

// handleMessage routes incoming messages to the appropriate handler.
func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.From == nil {
		return
	}

	chatID := msg.Chat.ID
	userID := strconv.FormatInt(msg.From.ID, 10)

	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, chatID, userID, msg.MessageID, text)
		return
	}

	// Plain message → forward into the live backend chat, if any.
	b.handleChatMessage(ctx, chatID, userID, msg.MessageID, text)
}

// handleCommand processes slash commands.
func (b *Bot) handleCommand(ctx context.Context, chatID int64, userID string, replyTo int, text string) {
	parts := strings.Fields(text)
	cmd := strings.ToLower(parts[0])
	// Strip @botname suffix from commands (e.g. /login@mybot → /login).
	if at := strings.Index(cmd, "@"); at >= 0 {
		cmd = cmd[:at]
	}

	switch cmd {
	case "/start", "/help":
		b.sendHelp(chatID, replyTo)

	case "/login":
		b.handleLogin(ctx, chatID, userID, replyTo)

	case "/find":
		b.handleFind(ctx, chatID, userID, replyTo)

	case "/like", "/pass":
		if len(parts) < 2 {
			b.sendReply(chatID, replyTo, fmt.Sprintf("Usage: `%s match\\-id`", cmd))
			return
		}
		b.handleFeedback(ctx, chatID, userID, replyTo, parts[1], cmd == "/like")

	case "/chat":
		if len(parts) < 2 {
			b.sendReply(chatID, replyTo, "Usage: `/chat chat\\-id`")
			return
		}
		b.handleEnterChat(chatID, userID, replyTo, parts[1])

	case "/leave":
		b.relay.LeaveChatMode(chatID)
		b.sendReply(chatID, replyTo, "Left the chat\\. Messages are paused until you /chat again\\.")

	case "/stop":
		b.handleStop(chatID, userID, replyTo)

	case "/logout":
		b.handleLogout(chatID, userID, replyTo)

	default:
		b.sendReply(chatID, replyTo, fmt.Sprintf("Unknown command `%s`\\. Try /help", escapeMarkdown(cmd)))
	}
}

// --- Command handlers ---

func (b *Bot) handleLogin(ctx context.Context, chatID int64, userID string, replyTo int) {
	sess := b.sessions.Get(userID)
	if sess != nil && sess.State == session.StateActive {
		b.sendReply(chatID, replyTo,
			fmt.Sprintf("Already logged in as `%s`\\.", escapeMarkdown(sess.Email)))
		return
	}

	if err := b.backend.RequestMagicLink(ctx, userID, chatID); err != nil {
		b.sendReply(chatID, replyTo,
			fmt.Sprintf("❌ Could not request a login link: %s", escapeMarkdown(err.Error())))
		return
	}

	// Record the pending state first so a lost hub event can be retried by
	// re-ensuring subscriptions at startup.
	if err := b.sessions.Put(&session.Session{
		TelegramUserID: userID,
		TelegramChatID: chatID,
		State:          session.StatePendingLogin,
	}); err != nil {
		log.Printf("telegram: recording pending login for %s: %v", userID, err)
	}
	if err := b.logins.EnsureSubscription(userID); err != nil {
		log.Printf("telegram: watching login topic for %s: %v", userID, err)
	}

	b.sendReply(chatID, replyTo,
		"✉️ Check your email for the magic link\\. I'll confirm here once you're in\\.")
}

func (b *Bot) handleFind(ctx context.Context, chatID int64, userID string, replyTo int) {
	sess := b.sessions.Get(userID)
	if sess == nil || sess.JWT == "" {
		b.sendReply(chatID, replyTo, "You need to /login first\\.")
		return
	}

	req, err := b.backend.CreateMatchRequest(ctx, sess.JWT, backend.MatchPreferences{})
	if err != nil {
		b.sendReply(chatID, replyTo,
			fmt.Sprintf("❌ %s", escapeMarkdown(err.Error())))
		return
	}

	b.sendReply(chatID, replyTo,
		fmt.Sprintf("🔎 Looking for a match\\. Request `%s` is %s\\.",
			escapeMarkdown(req.ID), escapeMarkdown(req.Status)))
}

func (b *Bot) handleFeedback(ctx context.Context, chatID int64, userID string, replyTo int, matchID string, liked bool) {
	sess := b.sessions.Get(userID)
	if sess == nil || sess.JWT == "" {
		b.sendReply(chatID, replyTo, "You need to /login first\\.")
		return
	}

	if err := b.backend.SendFeedback(ctx, sess.JWT, matchID, liked); err != nil {
		b.sendReply(chatID, replyTo,
			fmt.Sprintf("❌ %s", escapeMarkdown(err.Error())))
		return
	}

	if liked {
		b.sendReply(chatID, replyTo, "❤️ Noted\\. If it's mutual you'll get a chat\\.")
	} else {
		b.sendReply(chatID, replyTo, "👌 Noted\\. On to the next one\\.")
	}
}

func (b *Bot) handleEnterChat(chatID int64, userID string, replyTo int, externalChatID string) {
	sess := b.sessions.Get(userID)
	if sess == nil || sess.JWT == "" {
		b.sendReply(chatID, replyTo, "You need to /login first\\.")
		return
	}

	if err := b.relay.EnterChatMode(chatID, sess.BackendUserID, externalChatID); err != nil {
		b.sendReply(chatID, replyTo,
			fmt.Sprintf("❌ %s", escapeMarkdown(err.Error())))
		return
	}

	sess.ExternalChatID = externalChatID
	sess.State = session.StateChatting
	if err := b.sessions.Put(sess); err != nil {
		log.Printf("telegram: recording chat mode for %s: %v", userID, err)
	}

	b.sendReply(chatID, replyTo,
		"💬 You're live\\. Messages you send here go to your match; theirs show up prefixed with 💬\\.")
}

func (b *Bot) handleStop(chatID int64, userID string, replyTo int) {
	b.relay.Clear(chatID)

	if sess := b.sessions.Get(userID); sess != nil && sess.State == session.StateChatting {
		sess.State = session.StateActive
		sess.ExternalChatID = ""
		if err := b.sessions.Put(sess); err != nil {
			log.Printf("telegram: leaving chat mode for %s: %v", userID, err)
		}
	}

	b.sendReply(chatID, replyTo, "✅ Chat closed\\.")
}

func (b *Bot) handleLogout(chatID int64, userID string, replyTo int) {
	b.relay.Clear(chatID)
	if err := b.sessions.Delete(userID); err != nil {
		log.Printf("telegram: deleting session for %s: %v", userID, err)
	}
	b.sendReply(chatID, replyTo, "👋 Logged out\\.")
}

// handleChatMessage forwards a plain message into the live backend chat.
func (b *Bot) handleChatMessage(ctx context.Context, chatID int64, userID string, replyTo int, text string) {
	sess := b.sessions.Get(userID)
	if sess == nil || sess.JWT == "" {
		b.sendReply(chatID, replyTo, "Start with /login, then /find a match\\.")
		return
	}
	if sess.State != session.StateChatting || sess.ExternalChatID == "" {
		b.sendReply(chatID, replyTo, "No live chat\\. Enter one with `/chat chat\\-id`\\.")
		return
	}

	if _, err := b.backend.SendChatMessage(ctx, sess.JWT, sess.ExternalChatID, text); err != nil {
		b.sendReply(chatID, replyTo,
			fmt.Sprintf("⚠️ %s", escapeMarkdown(err.Error())))
	}
}

// --- Helpers ---

func (b *Bot) sendHelp(chatID int64, replyTo int) {
	b.sendReply(chatID, replyTo, ""+
		"*matchbot* — find your match without leaving Telegram\\.\n\n"+
		"/login \\-\\- Log in with a magic link\n"+
		"/find \\-\\- Create a match request\n"+
		"/like \\<id\\> \\-\\- Like a proposed match\n"+
		"/pass \\<id\\> \\-\\- Pass on a proposed match\n"+
		"/chat \\<id\\> \\-\\- Go live with your match\n"+
		"/leave \\-\\- Pause the live chat\n"+
		"/stop \\-\\- Close the live chat\n"+
		"/logout \\-\\- Forget me\n"+
		"/help \\-\\- Show this message")
}

// sendReply sends a MarkdownV2 message as a reply.
func (b *Bot) sendReply(chatID int64, replyTo int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	msg.ParseMode = "MarkdownV2"

	if _, err := b.api.Send(msg); err != nil {
		log.Printf("Telegram: failed to send message: %v", err)
		// Retry without markdown in case of parse errors.
		msg.ParseMode = ""
		msg.Text = stripMarkdown(text)
		b.api.Send(msg)
	}
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"(", "\\(",
		")", "\\)",
		"~", "\\~",
		"`", "\\`",
		">", "\\>",
		"#", "\\#",
		"+", "\\+",
		"-", "\\-",
		"=", "\\=",
		"|", "\\|",
		"{", "\\{",
		"}", "\\}",
		".", "\\.",
		"!", "\\!",
	)
	return replacer.Replace(s)
}

// stripMarkdown removes MarkdownV2 escape sequences for plain text fallback.
func stripMarkdown(s string) string {
	r := strings.NewReplacer(
		"\\*", "*",
		"\\_", "_",
		"\\[", "[",
		"\\]", "]",
		"\\(", "(",
		"\\)", ")",
		"\\~", "~",
		"\\`", "`",
		"\\>", ">",
		"\\#", "#",
		"\\+", "+",
		"\\-", "-",
		"\\=", "=",
		"\\|", "|",
		"\\{", "{",
		"\\}", "}",
		"\\.", ".",
		"\\!", "!",
	)
	return r.Replace(s)
}
