// Package hub implements the subscriber side of the matchbot event hub: a
// single streaming HTTP connection carrying server-sent events, multiplexing
// any number of topic subscriptions over it.
//
// The connection is created lazily on the first subscription and torn down
// when the last one goes away. Topic-set changes are coalesced into one
// restart, and every restart opens a new "generation" of the stream; read
// loops from older generations observe that they have been superseded and
// exit without touching shared state. Transport failures never surface to
// subscribers — the client retries with exponential backoff for as long as
// at least one topic is subscribed.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler receives the JSON payload of an event together with the topic it
// was dispatched on. Handlers run on the stream's read goroutine; they may
// call Subscribe and the unsubscribe funcs freely.
type Handler func(payload json.RawMessage, topic string)

// Options configures a Client. BaseURL is required; everything else has a
// sensible default.
type Options struct {
	// BaseURL is the hub's stream endpoint. Active topics are appended as
	// repeated `topic` query parameters on every connect.
	BaseURL string

	// Token supplies the bearer credential for the subscriber. It is
	// re-read on every connect attempt, so a credential that appears after
	// construction is picked up by the next scheduled restart. An empty
	// token leaves the client idle with its topics recorded.
	Token func() string

	// BackoffFloor is the initial reconnect delay. Default: 2s.
	BackoffFloor time.Duration
	// BackoffMax caps the reconnect delay. Default: 20s.
	BackoffMax time.Duration
	// RestartDelay is the coalescing window for topic-set changes.
	// Default: 200ms.
	RestartDelay time.Duration

	// HTTPClient issues the streaming requests. The default client bounds
	// the connect phase with a 15s response-header timeout so a hung
	// connect cannot wedge the reconnect cycle, while leaving the body
	// read unbounded.
	HTTPClient *http.Client

	// DeriveTopics resolves target topics from an event payload when the
	// record carries no explicit topic hints. When it returns nothing (or
	// is nil), the event is delivered to every active topic.
	DeriveTopics func(payload json.RawMessage) []string
}

// Client maintains the hub connection and the topic→handler registry.
type Client struct {
	opts Options

	mu             sync.Mutex
	subs           map[string]map[string]Handler // topic -> handle -> handler
	gen            uint64                        // active stream generation
	cancel         context.CancelFunc            // aborts the active stream
	restartTimer   *time.Timer
	restartReason  string
	reconnectTimer *time.Timer
	backoff        time.Duration
}

// New creates a Client. No network activity happens until the first
// subscription.
func New(opts Options) *Client {
	if opts.BackoffFloor <= 0 {
		opts.BackoffFloor = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 20 * time.Second
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 200 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 15 * time.Second,
			},
		}
	}
	return &Client{
		opts:    opts,
		subs:    make(map[string]map[string]Handler),
		backoff: opts.BackoffFloor,
	}
}

// Subscribe registers handler for topic and returns an idempotent
// unsubscribe func. The topic is included in the next (coalesced) connect
// attempt; if no connection exists yet, one is started.
func (c *Client) Subscribe(topic string, handler Handler) (func(), error) {
	if topic == "" {
		return nil, errors.New("hub: topic must not be empty")
	}
	if handler == nil {
		return nil, errors.New("hub: handler must not be nil")
	}

	c.mu.Lock()
	handle := uuid.NewString()
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[string]Handler)
	}
	c.subs[topic][handle] = handler
	c.scheduleRestartLocked("subscribe " + topic)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(topic, handle) })
	}, nil
}

func (c *Client) unsubscribe(topic, handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	handlers := c.subs[topic]
	if _, ok := handlers[handle]; !ok {
		return
	}
	delete(handlers, handle)
	if len(handlers) > 0 {
		return // topic stays active, same connect URL
	}
	delete(c.subs, topic)
	if len(c.subs) == 0 {
		c.stopLocked("last subscription removed")
		return
	}
	c.scheduleRestartLocked("unsubscribe " + topic)
}

// Restart forces a reconnect with the current topic set, re-reading the
// credential source. Useful after a credential becomes available.
func (c *Client) Restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	c.scheduleRestartLocked("explicit restart")
}

// Stop aborts any in-flight stream and pending timers and marks the client
// idle. Subscriptions stay recorded; a later topic-set change or Restart
// brings the connection back. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked("stop requested")
}

// Topics returns the currently active topic set, sorted order not
// guaranteed.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topicsLocked()
}

func (c *Client) topicsLocked() []string {
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	return topics
}

// stopLocked fences the active generation and releases timers and the
// in-flight request. Callers hold c.mu.
func (c *Client) stopLocked(reason string) {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.backoff = c.opts.BackoffFloor
	log.Printf("hub: idle (%s)", reason)
}

// scheduleRestartLocked arms the coalescing timer. A change arriving while a
// restart is already pending only updates the recorded reason — exactly one
// restart fires with the union of topics at that moment. Callers hold c.mu.
func (c *Client) scheduleRestartLocked(reason string) {
	c.restartReason = reason
	if c.restartTimer != nil {
		return
	}
	c.restartTimer = time.AfterFunc(c.opts.RestartDelay, c.restart)
	log.Printf("hub: restart scheduled (%s)", reason)
}

// restart tears down the current generation and, credential permitting,
// starts a new one carrying the current topic set.
func (c *Client) restart() {
	c.mu.Lock()
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	reason := c.restartReason

	topics := c.topicsLocked()
	if len(topics) == 0 {
		c.stopLocked("no topics")
		c.mu.Unlock()
		return
	}

	var token string
	if c.opts.Token != nil {
		token = c.opts.Token()
	}
	if token == "" {
		// Fence whatever was running and stay idle; the topic set is
		// kept and the next scheduled restart re-checks the credential.
		c.gen++
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
		log.Printf("hub: no subscriber credential, staying idle (%s)", reason)
		return
	}

	c.gen++
	gen := c.gen
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	log.Printf("hub: connecting gen %d with %d topic(s) (%s)", gen, len(topics), reason)
	go c.runStream(ctx, gen, topics, token)
}

// runStream opens the streaming request and pumps records until the stream
// breaks or the generation is superseded.
func (c *Client) runStream(ctx context.Context, gen uint64, topics []string, token string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(topics), nil)
	if err != nil {
		c.streamFailed(gen, fmt.Errorf("building hub request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		c.streamFailed(gen, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.streamFailed(gen, fmt.Errorf("hub returned %s", resp.Status))
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return // superseded while connecting
	}
	c.backoff = c.opts.BackoffFloor
	c.mu.Unlock()
	log.Printf("hub: stream started (gen %d)", gen)

	reader := NewRecordReader(resp.Body)
	for {
		rec, err := reader.Next()
		if err != nil {
			c.streamFailed(gen, fmt.Errorf("reading stream: %w", err))
			return
		}
		if !c.dispatch(gen, rec) {
			return // stale generation, a newer stream owns the registry
		}
	}
}

func (c *Client) streamURL(topics []string) string {
	q := url.Values{}
	for _, t := range topics {
		q.Add("topic", t)
	}
	sep := "?"
	if strings.Contains(c.opts.BaseURL, "?") {
		sep = "&"
	}
	return c.opts.BaseURL + sep + q.Encode()
}

// dispatch delivers one record to the handlers of its resolved topics.
// Returns false when gen has been superseded, in which case nothing was
// delivered.
func (c *Client) dispatch(gen uint64, rec *Record) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	if strings.TrimSpace(rec.Data) == "" {
		c.mu.Unlock()
		return true // keepalive record
	}
	payload := json.RawMessage(rec.Data)
	if !json.Valid(payload) {
		c.mu.Unlock()
		log.Printf("hub: dropping malformed event payload: %.120q", rec.Data)
		return true
	}

	topics := rec.Topics
	if len(topics) == 0 && c.opts.DeriveTopics != nil {
		topics = c.opts.DeriveTopics(payload)
	}
	if len(topics) == 0 {
		topics = c.topicsLocked()
	}

	type target struct {
		topic   string
		handler Handler
	}
	var targets []target
	for _, t := range topics {
		for _, h := range c.subs[t] {
			targets = append(targets, target{topic: t, handler: h})
		}
	}
	c.mu.Unlock()

	// Handlers run outside the lock so they can subscribe/unsubscribe.
	for _, tg := range targets {
		tg.handler(payload, tg.topic)
	}
	return true
}

// streamFailed schedules a reconnect for a broken stream, unless the failing
// generation has already been superseded.
func (c *Client) streamFailed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return // stale loop; a newer generation owns recovery
	}

	delay := c.backoff
	c.backoff = nextBackoff(c.backoff, c.opts.BackoffMax)
	c.restartReason = "reconnect after stream error"
	log.Printf("hub: stream error (gen %d): %v — reconnecting in %s", gen, err, delay)

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, c.restart)
}

// nextBackoff doubles the current delay up to max.
func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
