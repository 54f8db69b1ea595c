// Package hub streams samples and relay values to websocket clients.
package hub

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"obd2relay/internal/metrics"
	"obd2relay/internal/models"
)

// Message types
const (
	TypeSample = "sample"
	TypeRelay  = "relay"
	TypeLevels = "levels"
)

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients are on the local network and the API is unauthenticated.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub maintains the set of active clients and broadcasts messages.
// Publishing never blocks the caller; a full queue drops the message.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(logger zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "hub").Logger(),
		metrics:    m,
	}
}

// Run owns the client set until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for c := range h.clients {
			h.remove(c)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = true
			h.metrics.WSClients.Set(float64(len(h.clients)))
			h.logger.Info().Str("remote", c.conn.RemoteAddr().String()).Msg("websocket client registered")

		case c := <-h.unregister:
			if h.clients[c] {
				h.remove(c)
				h.logger.Info().Str("remote", c.conn.RemoteAddr().String()).Msg("websocket client unregistered")
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("websocket client too slow, removing")
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.metrics.WSClients.Set(float64(len(h.clients)))
}

func (h *Hub) PublishSample(s models.TelemetrySample) {
	h.publish(TypeSample, s)
}

func (h *Hub) PublishRelayValue(liters float64) {
	h.publish(TypeRelay, map[string]float64{"spare_tank_level": liters})
}

func (h *Hub) PublishLevels(l models.NormalizedLevels) {
	h.publish(TypeLevels, l)
}

func (h *Hub) publish(typ string, payload interface{}) {
	b, err := json.Marshal(Message{Type: typ, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("type", typ).Msg("failed to encode broadcast")
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.logger.Warn().Str("type", typ).Msg("broadcast queue full, dropping message")
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
