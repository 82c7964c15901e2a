package hubtest

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/nozsavsev/keynote-realtime/internal/protocol"
)

// ErrNoReply makes a handler swallow the invocation without completing it.
var ErrNoReply = errors.New("no reply")

// HandlerFunc answers one invocation. The returned value becomes the
// completion result and an error becomes the completion error.
type HandlerFunc func(c *Client, args []json.RawMessage) (any, error)

type Invocation struct {
	Method       string
	Args         []json.RawMessage
	ConnectionID string
}

// Hub is one fake hub endpoint with its connected clients.
type Hub struct {
	name string

	// Registered clients
	clients map[*Client]bool

	// Outbound records, to one client or all of them
	outbound chan *outbound

	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	stopOnce   sync.Once

	mu           sync.RWMutex
	handlers     map[string]HandlerFunc
	calls        []Invocation
	tokens       map[string]string
	polling      map[string]*Client
	transports   []string
	negotiations int
}

type outbound struct {
	to   *Client
	data []byte
}

func newHub(name string) *Hub {
	return &Hub{
		name:       name,
		clients:    make(map[*Client]bool),
		outbound:   make(chan *outbound, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		handlers:   make(map[string]HandlerFunc),
		tokens:     make(map[string]string),
		polling:    make(map[string]*Client),
		transports: []string{"WebSockets", "LongPolling"},
	}
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.conn == nil {
				h.polling[client.token] = client
			}
			count := len(h.clients)
			h.mu.Unlock()

			log.Printf("[%s] client %s connected (total: %d)", h.name, client.id, count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				delete(h.polling, client.token)
				close(client.send)
				log.Printf("[%s] client %s left (remaining: %d)", h.name, client.id, len(h.clients))
			}
			h.mu.Unlock()

		case msg := <-h.outbound:
			h.mu.Lock()
			for client := range h.clients {
				if msg.to != nil && msg.to != client {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					close(client.send)
					delete(h.clients, client)
					delete(h.polling, client.token)
				}
			}
			h.mu.Unlock()

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

func (h *Hub) enqueue(to *Client, data []byte) {
	select {
	case h.outbound <- &outbound{to: to, data: data}:
	case <-h.quit:
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Handle installs the handler for a hub method. Method names match
// case-insensitively.
func (h *Hub) Handle(method string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[strings.ToLower(method)] = fn
}

// SetTransports limits what negotiate offers.
func (h *Hub) SetTransports(transports ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transports = transports
}

// Push sends a server invocation to every connected client.
func (h *Hub) Push(target string, args ...any) {
	h.enqueue(nil, mustRecord(target, args))
}

// PushTo sends a server invocation to one connection.
func (h *Hub) PushTo(connectionID, target string, args ...any) {
	if c := h.client(connectionID); c != nil {
		h.enqueue(c, mustRecord(target, args))
	}
}

// Kick sends a close message to every client.
func (h *Hub) Kick(reason string, allowReconnect bool) {
	data, _ := protocol.Encode(protocol.Message{
		Type:           protocol.MessageTypeClose,
		Error:          reason,
		AllowReconnect: allowReconnect,
	})
	h.enqueue(nil, data)
}

// DropConnections cuts every connection without a close message.
func (h *Hub) DropConnections() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.conn != nil {
			c.conn.Close()
		} else {
			h.leave(c)
		}
	}
}

func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Negotiations() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.negotiations
}

// Calls returns how many times method was invoked.
func (h *Hub) Calls(method string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, inv := range h.calls {
		if strings.EqualFold(inv.Method, method) {
			n++
		}
	}
	return n
}

func (h *Hub) Invocations() []Invocation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Invocation(nil), h.calls...)
}

// ConnectionIDs lists the connected clients.
func (h *Hub) ConnectionIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for c := range h.clients {
		ids = append(ids, c.id)
	}
	return ids
}

func (h *Hub) client(connectionID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.id == connectionID {
			return c
		}
	}
	return nil
}

func (h *Hub) invoke(c *Client, msg protocol.Message) {
	h.mu.Lock()
	h.calls = append(h.calls, Invocation{Method: msg.Target, Args: msg.Arguments, ConnectionID: c.id})
	fn := h.handlers[strings.ToLower(msg.Target)]
	h.mu.Unlock()

	var (
		result any
		err    error
	)
	if fn == nil {
		err = errors.New("Method does not exist.")
	} else {
		result, err = fn(c, msg.Arguments)
	}

	if msg.InvocationID == "" || errors.Is(err, ErrNoReply) {
		return
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	reply, cerr := protocol.NewCompletion(msg.InvocationID, result, errMsg)
	if cerr != nil {
		reply, _ = protocol.NewCompletion(msg.InvocationID, nil, cerr.Error())
	}
	data, _ := protocol.Encode(reply)
	h.enqueue(c, data)
}

func mustRecord(target string, args []any) []byte {
	msg, err := protocol.NewInvocation("", target, args...)
	if err != nil {
		panic(err)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}
