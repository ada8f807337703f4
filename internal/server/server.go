// Package server wires matchbot together: session store and registry, hub
// client, login correlator, chat relay, backend client, Telegram bot, and
// the internal HTTP API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vibematch/matchbot/internal/backend"
	"github.com/vibematch/matchbot/internal/config"
	"github.com/vibematch/matchbot/internal/hub"
	"github.com/vibematch/matchbot/internal/login"
	"github.com/vibematch/matchbot/internal/payload"
	"github.com/vibematch/matchbot/internal/relay"
	"github.com/vibematch/matchbot/internal/session"
	matchbottelegram "github.com/vibematch/matchbot/internal/telegram"
)

// Server is the matchbot process.
type Server struct {
	config     *config.Config
	store      *session.Store
	sessions   *session.Registry
	hub        *hub.Client
	correlator *login.Correlator
	relay      *relay.Relay
	backend    *backend.Client
	router     chi.Router
	bot        *matchbottelegram.Bot // nil if Telegram is not configured
}

// New creates a new Server with all dependencies.
func New(cfg *config.Config) (*Server, error) {
	store, err := session.NewStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	registry, err := session.NewRegistry(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing session registry: %w", err)
	}

	s := &Server{
		config:   cfg,
		store:    store,
		sessions: registry,
		backend:  backend.NewClient(cfg.BackendURL),
	}

	s.hub = hub.New(hub.Options{
		BaseURL:      cfg.HubURL,
		Token:        func() string { return cfg.HubToken },
		BackoffFloor: cfg.HubBackoffFloor,
		BackoffMax:   cfg.HubBackoffMax,
		RestartDelay: cfg.HubRestartDelay,
		DeriveTopics: payload.Topics,
	})
	s.correlator = login.NewCorrelator(s.hub, s.onUserLoggedIn)
	// The relay sends through the Server so it can be built before the bot.
	s.relay = relay.New(s.hub, s)

	s.router = s.buildRouter()

	if cfg.TelegramBotToken != "" {
		bot, err := matchbottelegram.NewBot(
			cfg.TelegramBotToken,
			registry,
			s.backend,
			s.correlator,
			s.relay,
		)
		if err != nil {
			log.Printf("Warning: failed to initialize Telegram bot: %v", err)
		} else {
			s.bot = bot
			log.Println("Telegram bot enabled (long polling)")
		}
	}

	if !cfg.HubEnabled() {
		log.Println("Warning: hub credential missing — subscriptions are recorded but no events will arrive")
	}

	return s, nil
}

// Start runs the HTTP server, the Telegram bot, and restores hub
// subscriptions for persisted sessions. Blocks until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.restoreSubscriptions()

	for _, topic := range s.config.DefaultTopics {
		topic := topic
		if _, err := s.hub.Subscribe(topic, func(raw json.RawMessage, t string) {
			log.Printf("hub event on %s: %s", t, raw)
		}); err != nil {
			log.Printf("Warning: subscribing default topic %s: %v", topic, err)
		}
	}

	if s.bot != nil {
		go func() {
			if err := s.bot.Run(ctx); err != nil {
				log.Printf("Telegram bot error: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		s.correlator.Stop()
		s.relay.Stop()
		s.hub.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("matchbot server listening on %s", s.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return s.store.Close()
}

// restoreSubscriptions re-establishes hub subscriptions for sessions that
// were mid-flow when the process last stopped.
func (s *Server) restoreSubscriptions() {
	for _, sess := range s.sessions.List() {
		switch sess.State {
		case session.StatePendingLogin:
			if err := s.correlator.EnsureSubscription(sess.TelegramUserID); err != nil {
				log.Printf("Warning: restoring login watch for %s: %v", sess.TelegramUserID, err)
			}
		case session.StateChatting:
			if sess.ExternalChatID == "" {
				continue
			}
			if err := s.relay.EnterChatMode(sess.TelegramChatID, sess.BackendUserID, sess.ExternalChatID); err != nil {
				log.Printf("Warning: restoring chat relay for %s: %v", sess.TelegramUserID, err)
			}
		}
	}
}

// onUserLoggedIn materializes a terminal login event into session state.
// Runs on the hub's read goroutine.
func (s *Server) onUserLoggedIn(ev login.Event) {
	chatID, err := strconv.ParseInt(ev.ChatID, 10, 64)
	if err != nil {
		log.Printf("login: unusable chat id %q for %s: %v", ev.ChatID, ev.ActorKey, err)
		chatID = 0
	}

	sess := s.sessions.Get(ev.ActorKey)
	if sess == nil {
		sess = &session.Session{TelegramUserID: ev.ActorKey}
	}
	sess.TelegramChatID = chatID
	sess.JWT = ev.Credential
	sess.Email = ev.Email
	sess.BackendUserID = ev.BackendUserID
	sess.State = session.StateActive
	if err := s.sessions.Put(sess); err != nil {
		log.Printf("login: persisting session for %s: %v", ev.ActorKey, err)
		return
	}

	log.Printf("login: %s logged in as %s", ev.ActorKey, ev.Email)
	if chatID != 0 {
		s.SendText(chatID, fmt.Sprintf("✅ Logged in as %s. Try /find.", ev.Email))
	}
}

// SendText delivers text into a Telegram chat, when the bot is configured.
// Implements the relay's Sender.
func (s *Server) SendText(chatID int64, text string) error {
	if s.bot == nil {
		return fmt.Errorf("telegram bot is not configured")
	}
	return s.bot.SendText(chatID, text)
}

// Router exposes the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/internal/notify", s.handleNotify)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"topics": len(s.hub.Topics()),
	})
}

// handleNotify lets the backend push a one-off message into a Telegram chat
// without going through the hub (operational notices, match announcements).
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TelegramChatID int64  `json:"telegram_chat_id"`
		Text           string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TelegramChatID == 0 || req.Text == "" {
		http.Error(w, "telegram_chat_id and text are required", http.StatusBadRequest)
		return
	}

	if err := s.SendText(req.TelegramChatID, req.Text); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
