// Package hubtest runs an in-process fake of the keynote backend: hub
// endpoints over WebSockets and long polling plus the session routes.
package hubtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	ScreenSessionCookie    = "ScreenSession"
	SpectatorSessionCookie = "SpectatorSession"
)

type Server struct {
	*httptest.Server
	Router *mux.Router

	mu       sync.Mutex
	hubs     map[string]*Hub
	sessions map[string]int
}

func NewServer() *Server {
	s := &Server{
		Router:   mux.NewRouter(),
		hubs:     make(map[string]*Hub),
		sessions: make(map[string]int),
	}

	s.Router.HandleFunc("/api/Session/GetScreenSession", s.session(ScreenSessionCookie)).Methods("GET")
	s.Router.HandleFunc("/api/Session/GetSpectatorSession", s.session(SpectatorSessionCookie)).Methods("GET")
	s.Router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, "Ok", "Healthy")
	}).Methods("GET")
	s.Router.HandleFunc("/{hub}/negotiate", s.negotiate).Methods("POST")
	s.Router.HandleFunc("/{hub}", s.serveHub).Methods("GET", "POST", "DELETE")

	s.Server = httptest.NewServer(s.Router)
	return s
}

// Hub returns the named hub, creating it on first use.
func (s *Server) Hub(name string) *Hub {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hubs[name]
	if !ok {
		h = newHub(name)
		s.hubs[name] = h
		go h.run()
	}
	return h
}

// Sessions reports how many session cookies were handed out under name.
func (s *Server) Sessions(cookie string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[cookie]
}

func (s *Server) Close() {
	s.mu.Lock()
	hubs := make([]*Hub, 0, len(s.hubs))
	for _, h := range s.hubs {
		hubs = append(hubs, h)
	}
	s.mu.Unlock()

	for _, h := range hubs {
		h.stop()
	}
	s.Server.CloseClientConnections()
	s.Server.Close()
}

func (s *Server) session(cookie string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.sessions[cookie]++
		s.mu.Unlock()

		value := ulid.Make().String()
		http.SetCookie(w, &http.Cookie{
			Name:     cookie,
			Value:    value,
			Path:     "/",
			HttpOnly: true,
		})
		respond(w, http.StatusOK, "Ok", value)
	}
}

func (s *Server) negotiate(w http.ResponseWriter, r *http.Request) {
	h := s.Hub(mux.Vars(r)["hub"])

	id := ulid.Make().String()
	token := ulid.Make().String()

	h.mu.Lock()
	h.negotiations++
	h.tokens[token] = id
	offered := make([]map[string]any, 0, len(h.transports))
	for _, t := range h.transports {
		offered = append(offered, map[string]any{
			"transport":       t,
			"transferFormats": []string{"Text", "Binary"},
		})
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"connectionId":        id,
		"connectionToken":     token,
		"negotiateVersion":    1,
		"availableTransports": offered,
	})
}

func (s *Server) serveHub(w http.ResponseWriter, r *http.Request) {
	h := s.Hub(mux.Vars(r)["hub"])

	if websocket.IsWebSocketUpgrade(r) {
		if !h.offers("WebSockets") {
			http.Error(w, "WebSockets disabled", http.StatusBadRequest)
			return
		}
		serveWs(h, w, r)
		return
	}
	servePoll(h, w, r)
}

// claim consumes a negotiated connection token.
func (h *Hub) claim(token string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.tokens[token]
	if ok {
		delete(h.tokens, token)
	}
	return id, ok
}

func (h *Hub) offers(transport string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, t := range h.transports {
		if t == transport {
			return true
		}
	}
	return false
}

func respond(w http.ResponseWriter, code int, status string, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":                       status,
		"response":                     response,
		"authenticationFailureReasons": []string{},
	})
}
