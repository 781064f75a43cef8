// Package ws streams audit events to WebSocket clients. The hub bridges the
// Redis signal bus to every connected session as JSON text frames.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/routegate/internal/audit"
	"github.com/alanyoungcy/routegate/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must stay under pongWait
	maxMessageSize = 4096
	sessionBuffer  = 256
)

// bridgedChannels are the signal-bus channels the hub mirrors to clients.
// The audit channel carries every guard decision, circuit transition, and
// proposal lifecycle event.
var bridgedChannels = []string{audit.Channel}

// Origin checking is delegated to the CORS middleware in front of the mux.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config is the runtime metadata sent to clients in the greeting frame.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// busEvent is a payload tagged with the channel it arrived on, so the hub
// can honor per-session subscriptions.
type busEvent struct {
	channel string
	payload []byte
}

// Hub fans signal-bus events out to the connected sessions.
type Hub struct {
	bus    domain.SignalBus
	logger *slog.Logger

	mode      string
	startedAt time.Time

	mu       sync.RWMutex
	sessions map[*session]struct{}

	events chan busEvent
	attach chan *session
	detach chan *session
}

// NewHub builds a hub bridging the signal bus to WebSocket sessions.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		bus:       bus,
		logger:    logger,
		mode:      mode,
		startedAt: startedAt,
		sessions:  make(map[*session]struct{}),
		events:    make(chan busEvent, 256),
		attach:    make(chan *session),
		detach:    make(chan *session),
	}
}

// Run drives the hub until ctx is cancelled: session attach/detach and
// event fan-out all pass through here, so session bookkeeping needs no
// further locking.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range bridgedChannels {
		go h.pumpChannel(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.sessions {
				close(s.send)
			}
			h.sessions = make(map[*session]struct{})
			h.mu.Unlock()
			return ctx.Err()

		case s := <-h.attach:
			h.mu.Lock()
			h.sessions[s] = struct{}{}
			n := len(h.sessions)
			h.mu.Unlock()
			h.logger.Info("ws: session attached", slog.Int("sessions", n))

		case s := <-h.detach:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				close(s.send)
			}
			n := len(h.sessions)
			h.mu.Unlock()
			h.logger.Info("ws: session detached", slog.Int("sessions", n))

		case ev := <-h.events:
			h.mu.RLock()
			for s := range h.sessions {
				if !s.wants(ev.channel) {
					continue
				}
				select {
				case s.send <- ev.payload:
				default:
					h.logger.Warn("ws: dropping event for slow session")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// pumpChannel forwards one signal-bus subscription into the hub.
func (h *Hub) pumpChannel(ctx context.Context, channel string) {
	stream, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: bus subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: bridging channel", slog.String("channel", channel))

	for payload := range stream {
		select {
		case h.events <- busEvent{channel: channel, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
	h.logger.Warn("ws: bus stream closed", slog.String("channel", channel))
}

// HandleWS upgrades the request and starts the session pumps.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := &session{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sessionBuffer),
		subs: make(map[string]bool, len(bridgedChannels)),
	}
	for _, ch := range bridgedChannels {
		s.subs[ch] = true
	}

	h.attach <- s
	s.greet()

	go s.writePump()
	go s.readPump()
}

// session is one WebSocket connection with its subscription set.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// subscribeMsg manages a session's channel subscriptions:
// {"action":"subscribe","channels":["ch:audit"]}.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// greet pushes a status envelope so clients can mark the connection healthy
// before the first audit event flows.
func (s *session) greet() {
	uptime := max(int64(time.Since(s.hub.startedAt).Seconds()), 0)
	msg, err := json.Marshal(map[string]any{
		"type": "gate_status",
		"payload": map[string]any{
			"mode":           s.hub.mode,
			"ws_connected":   true,
			"uptime_seconds": uptime,
			"channels":       bridgedChannels,
		},
	})
	if err != nil {
		return
	}
	select {
	case s.send <- msg:
	default:
	}
}

// wants reports whether the session subscribed to channel, treating a
// trailing '*' in a subscription as a prefix wildcard.
func (s *session) wants(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.subs[channel] {
		return true
	}
	for sub := range s.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (s *session) updateSubs(msg subscribeMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range msg.Channels {
		if msg.Action == "subscribe" {
			s.subs[ch] = true
		} else {
			delete(s.subs, ch)
		}
	}
}

// readPump consumes client frames, which only ever carry subscription
// management messages.
func (s *session) readPump() {
	defer func() {
		s.hub.detach <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			s.updateSubs(sub)
		}
	}
}

// writePump sends hub events as JSON text frames and keeps the connection
// alive with periodic pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
