// Package realtime pushes plan updates to connected websocket clients.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	defaultBuffer       = 16
	defaultWriteTimeout = 5 * time.Second
)

// Update is one message sent to a subscriber.
type Update struct {
	Type   string    `json:"type"`
	UserID string    `json:"user_id"`
	Data   any       `json:"data,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// HubConfig configures a Hub.
type HubConfig struct {
	Buffer         int           // queued updates per subscriber (default 16)
	WriteTimeout   time.Duration // per message (default 5s)
	OriginPatterns []string      // allowed cross-origin hosts
}

// Hub fans updates out to each user's open connections. A subscriber that
// falls behind by more than its buffer is disconnected.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	write  time.Duration
	accept *websocket.AcceptOptions
}

type subscriber struct {
	msgs      chan Update
	closeSlow func()
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig) *Hub {
	h := &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: cfg.Buffer,
		write:  cfg.WriteTimeout,
		accept: &websocket.AcceptOptions{OriginPatterns: cfg.OriginPatterns},
	}
	if h.buffer <= 0 {
		h.buffer = defaultBuffer
	}
	if h.write <= 0 {
		h.write = defaultWriteTimeout
	}
	return h
}

// Serve upgrades the request and streams userID's updates until the client
// goes away. Messages from the client are ignored.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	c, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		return err
	}
	defer c.CloseNow()

	ctx := c.CloseRead(r.Context())

	sub := &subscriber{
		msgs: make(chan Update, h.buffer),
		closeSlow: func() {
			_ = c.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with updates")
		},
	}
	h.add(userID, sub)
	defer h.remove(userID, sub)

	slog.Debug("websocket subscribed", "user_id", userID)
	for {
		select {
		case u := <-sub.msgs:
			wctx, cancel := context.WithTimeout(ctx, h.write)
			err := wsjson.Write(wctx, c, u)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// Publish queues u for every connection of u.UserID.
func (h *Hub) Publish(u Update) {
	if u.SentAt.IsZero() {
		u.SentAt = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[u.UserID] {
		select {
		case sub.msgs <- u:
		default:
			go sub.closeSlow()
		}
	}
}

// Notify publishes a state change for userID.
func (h *Hub) Notify(_ context.Context, userID, kind string, data any) {
	h.Publish(Update{Type: kind, UserID: userID, Data: data})
}

// Subscribers returns the number of open connections for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

func (h *Hub) add(userID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[userID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) remove(userID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[userID], s)
	if len(h.subs[userID]) == 0 {
		delete(h.subs, userID)
	}
}
