package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/4xmen/legacychat/internal/codec"
	"github.com/4xmen/legacychat/internal/db"
	"github.com/4xmen/legacychat/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Hub routes frames between registered connections. A user may hold
// several connections at once (one per screen or device) and every one of
// them receives that user's frames.
type Hub struct {
	clients    map[string]map[*Client]struct{}
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	db         *db.DB
	log        zerolog.Logger
	mu         sync.RWMutex
}

type Client struct {
	userID     string // from the bearer token
	registered bool
	conn       *websocket.Conn
	hub        *Hub
	send       chan []byte
}

type envelope struct {
	to   []string
	data []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewHub(database *db.DB, base zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		db:         database,
		log:        logger.Component(base, "hub"),
	}
}

// IsUserOnline checks if a user has at least one registered connection.
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*Client]struct{})
			}
			h.clients[client.userID][client] = struct{}{}
			n := len(h.clients[client.userID])
			h.mu.Unlock()
			h.log.Info().Str("user_id", client.userID).Int("connections", n).Msg("user registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.clients[client.userID]; ok {
				if _, ok := conns[client]; ok {
					delete(conns, client)
					if len(conns) == 0 {
						delete(h.clients, client.userID)
					}
				}
			}
			h.mu.Unlock()
			close(client.send)
			h.log.Info().Str("user_id", client.userID).Msg("connection closed")

		case env := <-h.broadcast:
			h.deliver(env)

		case <-h.quit:
			return
		}
	}
}

// Stop ends Run. Open connections are left to their own pumps.
func (h *Hub) Stop() {
	close(h.quit)
}

// enqueue hands c to Run, reporting false once the hub has stopped.
func (h *Hub) enqueue(ch chan<- *Client, c *Client) bool {
	select {
	case ch <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) publish(env envelope) {
	select {
	case h.broadcast <- env:
	case <-h.quit:
	}
}

func (h *Hub) deliver(env envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool, len(env.to))
	for _, userID := range env.to {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		for client := range h.clients[userID] {
			select {
			case client.send <- env.data:
			default:
				h.log.Warn().Str("user_id", userID).Msg("send channel full, dropping frame")
			}
		}
	}
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		userID: userID,
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, sendBuffer),
	}

	go client.readPump()
	go client.writePump()
}

func (c *Client) readPump() {
	defer func() {
		if !c.registered || !c.hub.enqueue(c.hub.unregister, c) {
			close(c.send)
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn().Err(err).Str("user_id", c.userID).Msg("websocket error")
			}
			return
		}

		var frame codec.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.hub.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch frame.Type {
		case codec.TypeRegisterUser:
			c.handleRegister(frame)
		case codec.TypeSendMessage:
			c.handleSendMessage(frame)
		case codec.TypeTyping:
			c.handleTyping(frame)
		default:
			c.hub.log.Debug().Str("type", frame.Type).Msg("ignoring frame")
		}
	}
}

// handleRegister binds the connection to its user. The id in the frame
// must match the token; a connection cannot listen in for someone else.
func (c *Client) handleRegister(frame codec.Frame) {
	if c.registered {
		return
	}
	if frame.UserID != c.userID {
		c.hub.log.Warn().Str("user_id", c.userID).Str("requested", frame.UserID).Msg("register rejected")
		return
	}
	c.registered = c.hub.enqueue(c.hub.register, c)
}

func (c *Client) handleSendMessage(frame codec.Frame) {
	if !c.registered {
		return
	}
	receiverID := strings.TrimSpace(frame.ReceiverID)
	if receiverID == "" || frame.Content.Text == "" {
		return
	}

	contentType := frame.ContentType
	if contentType == "" {
		contentType = frame.Content.Type
	}
	if contentType != "image" {
		contentType = "text"
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	stored, err := c.hub.db.SaveMessage(ctx, db.Message{
		ClientMsgID: frame.ClientMsgID,
		SenderID:    c.userID,
		ReceiverID:  receiverID,
		Content:     frame.Content.Text,
		ContentType: contentType,
	})
	if err != nil {
		c.hub.log.Error().Err(err).Str("user_id", c.userID).Msg("failed to save message")
		return
	}
	if !c.hub.IsUserOnline(receiverID) {
		c.hub.log.Debug().Str("receiver_id", receiverID).Int64("message_id", stored.ID).Msg("receiver offline, message stored")
	}

	out, err := json.Marshal(ReceiveFrame(stored))
	if err != nil {
		return
	}
	// The sender's own connections get the same frame as the echo that
	// carries the server id and timestamp.
	c.hub.publish(envelope{to: []string{stored.ReceiverID, stored.SenderID}, data: out})
}

func (c *Client) handleTyping(frame codec.Frame) {
	if !c.registered || frame.ReceiverID == "" {
		return
	}
	out, err := codec.EncodeTyping(c.userID, frame.ReceiverID)
	if err != nil {
		return
	}
	c.hub.publish(envelope{to: []string{frame.ReceiverID}, data: out})
}

// ReceiveFrame is the receiveMessage frame for a stored message.
func ReceiveFrame(m db.Message) codec.Frame {
	return codec.Frame{
		Type:        codec.TypeReceiveMessage,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     codec.FrameContent{Text: m.Content},
		ContentType: m.ContentType,
		ClientMsgID: m.ClientMsgID,
		MessageID:   formatID(m.ID),
		Timestamp:   codec.FormatTimestamp(m.CreatedAt),
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
