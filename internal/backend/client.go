// Package backend wraps the matching-service REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is a typed client for the matching-service backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx backend response, normalized from the body's
// {"error": "..."} shape when present.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %s (HTTP %d)", e.Message, e.Status)
}

// MatchPreferences are the user's search criteria for a match request.
type MatchPreferences struct {
	MinAge    int      `json:"min_age,omitempty"`
	MaxAge    int      `json:"max_age,omitempty"`
	Location  string   `json:"location,omitempty"`
	Interests []string `json:"interests,omitempty"`
}

// MatchRequest is a created match request.
type MatchRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ChatMessage is a message accepted by the backend chat relay.
type ChatMessage struct {
	ID       string `json:"id"`
	ChatID   string `json:"chat_id"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

// RequestMagicLink asks the backend to email a login link. The resulting
// login confirmation arrives later on the user's hub login topic.
func (c *Client) RequestMagicLink(ctx context.Context, telegramUserID string, telegramChatID int64) error {
	body := map[string]any{
		"telegram_user_id": telegramUserID,
		"telegram_chat_id": telegramChatID,
	}
	return c.doJSON(ctx, http.MethodPost, "/auth/telegram/magic-link", "", body, nil)
}

// CreateMatchRequest submits a new match request on behalf of the user.
func (c *Client) CreateMatchRequest(ctx context.Context, jwt string, prefs MatchPreferences) (*MatchRequest, error) {
	var out MatchRequest
	if err := c.doJSON(ctx, http.MethodPost, "/requests", jwt, prefs, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendFeedback records like/pass feedback for a proposed match.
func (c *Client) SendFeedback(ctx context.Context, jwt, matchID string, liked bool) error {
	body := map[string]any{"liked": liked}
	return c.doJSON(ctx, http.MethodPost, "/matches/"+matchID+"/feedback", jwt, body, nil)
}

// SendChatMessage posts a message into a backend chat. The counterpart
// receives it through the hub's chat topic.
func (c *Client) SendChatMessage(ctx context.Context, jwt, chatID, text string) (*ChatMessage, error) {
	body := map[string]any{"content": text}
	var out ChatMessage
	if err := c.doJSON(ctx, http.MethodPost, "/chats/"+chatID+"/messages", jwt, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// doJSON issues one JSON request and decodes the response into out (when
// non-nil). Non-2xx statuses come back as *APIError.
func (c *Client) doJSON(ctx context.Context, method, path, jwt string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
