package router

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the frame format in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// client is a websocket connection held by the router.
type client struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func (c *client) ID() string { return c.id }

// Send queues the event. A client whose buffer is full loses the event.
func (c *client) Send(event string, payload any) bool {
	data, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("encoding outbound event")
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn().Str("event", event).Msg("send buffer full, dropping event")
		return false
	}
}

func (c *client) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// WebsocketHandler upgrades HTTP requests into router connections.
type WebsocketHandler struct {
	router *Router
	logger zerolog.Logger
}

// NewWebsocketHandler returns a handler that serves each upgraded socket as
// one router connection.
func NewWebsocketHandler(r *Router, logger zerolog.Logger) *WebsocketHandler {
	return &WebsocketHandler{router: r, logger: logger.With().Str("component", "websocket").Logger()}
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	id := ulid.Make().String()
	c := &client{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: h.logger.With().Str("conn_id", id).Logger(),
	}
	c.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("user connected")

	h.router.Connect(c)
	go c.writePump()
	c.readPump(h.router)

	if err := h.router.Disconnect(context.Background(), id); err != nil {
		c.logger.Error().Err(err).Msg("handling disconnect")
	}
	c.Close()
	c.logger.Info().Msg("user disconnected")
}

// readPump dispatches inbound frames to the router until the socket fails.
// Handlers run to completion with a background context.
func (c *client) readPump(r *Router) {
	defer c.ws.Close()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.logger.Warn().Err(err).Msg("ignoring undecodable frame")
			continue
		}
		c.dispatch(context.Background(), r, env)
	}
}

func (c *client) dispatch(ctx context.Context, r *Router, env envelope) {
	var (
		err     error
		failure string
	)
	switch env.Event {
	case EventJoin:
		var req JoinRequest
		if err = decodeData(env.Data, &req); err == nil {
			_, err = r.Join(ctx, c.id, req)
		}
		failure = "Failed to join document"
	case EventChange:
		var req ChangeRequest
		if err = decodeData(env.Data, &req); err == nil {
			err = r.Change(ctx, c.id, req)
		}
		failure = "Failed to apply document change"
	case EventCursor:
		var req CursorRequest
		if err = decodeData(env.Data, &req); err == nil {
			err = r.Cursor(ctx, c.id, req)
		}
		failure = "Failed to update cursor"
	case EventChatSend:
		var req ChatRequest
		if err = decodeData(env.Data, &req); err == nil {
			err = r.Chat(ctx, c.id, req)
		}
		failure = "Failed to send chat message"
	default:
		c.logger.Debug().Str("event", env.Event).Msg("ignoring unknown event")
		return
	}
	if err != nil {
		c.logger.Error().Err(err).Str("event", env.Event).Msg("handling event")
		c.Send(EventError, ErrorPayload{Message: failure})
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// writePump writes queued events and keeps the socket alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn().Err(err).Msg("writing to client")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
