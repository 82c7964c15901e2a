package hubtest

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nozsavsev/keynote-realtime/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 10 * time.Second
	pollTimeout    = 5 * time.Second
	maxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connection to a fake hub, over WebSockets or long
// polling (conn is nil).
type Client struct {
	hub     *Hub
	id      string
	token   string
	conn    *websocket.Conn
	send    chan []byte
	cookies []*http.Cookie

	mu         sync.Mutex
	parser     protocol.Parser
	handshaken bool
}

func (c *Client) ID() string {
	return c.id
}

// Cookie returns the value of a cookie sent when the connection opened.
func (c *Client) Cookie(name string) string {
	for _, ck := range c.cookies {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func newClient(h *Hub, id, token string, conn *websocket.Conn, r *http.Request) *Client {
	return &Client{
		hub:     h,
		id:      id,
		token:   token,
		conn:    conn,
		send:    make(chan []byte, 512),
		cookies: r.Cookies(),
	}
}

func serveWs(h *Hub, w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("id")
	id, ok := h.claim(token)
	if !ok {
		http.Error(w, "No Connection with that ID", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := newClient(h, id, token, conn, r)

	select {
	case h.register <- client:
	case <-h.quit:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[%s] websocket error: %v", c.hub.name, err)
			}
			break
		}
		c.feed(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	ping, _ := protocol.Encode(protocol.Message{Type: protocol.MessageTypePing})
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
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

// feed handles one transport frame from the client.
func (c *Client) feed(frame []byte) {
	c.mu.Lock()
	records := c.parser.Feed(frame)
	c.mu.Unlock()

	for _, record := range records {
		c.handleRecord(record)
	}
}

func (c *Client) handleRecord(record []byte) {
	c.mu.Lock()
	first := !c.handshaken
	c.handshaken = true
	c.mu.Unlock()

	if first {
		var req protocol.HandshakeRequest
		resp := protocol.HandshakeResponse{}
		if err := json.Unmarshal(record, &req); err != nil {
			resp.Error = "Handshake request is malformed."
		} else if req.Protocol != protocol.Name {
			resp.Error = "The protocol '" + req.Protocol + "' is not supported."
		}
		data, _ := protocol.Encode(resp)
		c.hub.enqueue(c, data)
		return
	}

	msg, err := protocol.Decode(record)
	if err != nil {
		log.Printf("[%s] invalid message from %s: %v", c.hub.name, c.id, err)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeInvocation:
		c.hub.invoke(c, msg)
	case protocol.MessageTypePing:
	case protocol.MessageTypeClose:
		c.hub.leave(c)
	}
}

func servePoll(h *Hub, w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("id")

	h.mu.RLock()
	client := h.polling[token]
	h.mu.RUnlock()

	if client == nil {
		// the first poll opens the connection and returns at once
		id, ok := h.claim(token)
		if !ok || r.Method != http.MethodGet {
			http.Error(w, "No Connection with that ID", http.StatusNotFound)
			return
		}
		client = newClient(h, id, token, nil, r)
		select {
		case h.register <- client:
		case <-h.quit:
			http.Error(w, "hub stopped", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.Method {
	case http.MethodGet:
		client.poll(w, r)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		client.feed(body)
		w.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		h.leave(client)
		w.WriteHeader(http.StatusAccepted)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Client) poll(w http.ResponseWriter, r *http.Request) {
	timer := time.NewTimer(pollTimeout)
	defer timer.Stop()

	select {
	case data, ok := <-c.send:
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		buf := append([]byte(nil), data...)
	drain:
		for {
			select {
			case more, ok := <-c.send:
				if !ok {
					break drain
				}
				buf = append(buf, more...)
			default:
				break drain
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write(buf)

	case <-timer.C:
		w.WriteHeader(http.StatusOK)

	case <-r.Context().Done():
	}
}
