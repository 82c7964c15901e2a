package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nozsavsev/keynote-realtime/internal/hubtest"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func echo(c *hubtest.Client, args []json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args[0], nil
}

func startConn(t *testing.T, srv *hubtest.Server, opts Options) *HubConnection {
	t.Helper()
	conn := New(srv.URL+"/testHub", opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("Failed to start connection: %v", err)
	}
	t.Cleanup(func() { conn.Stop(context.Background()) })
	return conn
}

func TestInvokeOverTransports(t *testing.T) {
	tests := []struct {
		name       string
		transports []string
	}{
		{"websockets", []string{"WebSockets", "LongPolling"}},
		{"long polling only", []string{"LongPolling"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := hubtest.NewServer()
			defer srv.Close()

			hub := srv.Hub("testHub")
			hub.SetTransports(tt.transports...)
			hub.Handle("Echo", echo)

			conn := startConn(t, srv, Options{})

			if conn.State() != Connected {
				t.Errorf("Expected Connected, got %s", conn.State())
			}
			if conn.ConnectionID() == "" {
				t.Error("Expected a connection id")
			}

			result, err := conn.Invoke(context.Background(), "Echo", map[string]int{"frame": 3})
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}

			var got map[string]int
			if err := json.Unmarshal(result, &got); err != nil {
				t.Fatalf("Failed to decode result: %v", err)
			}
			if got["frame"] != 3 {
				t.Errorf("Expected frame 3, got %d", got["frame"])
			}

			if err := conn.Stop(context.Background()); err != nil {
				t.Errorf("Stop failed: %v", err)
			}
			if conn.State() != Disconnected {
				t.Errorf("Expected Disconnected after stop, got %s", conn.State())
			}
		})
	}
}

func TestFallbackWhenWebSocketRejected(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()

	hub := srv.Hub("testHub")
	hub.Handle("Echo", echo)

	// negotiate offers websockets but the upgrade is refused
	offerBoth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/negotiate") {
			hub.SetTransports("LongPolling")
			resp, err := http.Post(srv.URL+"/testHub/negotiate", "text/plain", nil)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			defer resp.Body.Close()
			var body map[string]any
			json.NewDecoder(resp.Body).Decode(&body)
			body["availableTransports"] = []map[string]any{
				{"transport": "WebSockets", "transferFormats": []string{"Text"}},
				{"transport": "LongPolling", "transferFormats": []string{"Text"}},
			}
			json.NewEncoder(w).Encode(body)
			return
		}
		srv.Router.ServeHTTP(w, r)
	}))
	defer offerBoth.Close()

	conn := New(offerBoth.URL+"/testHub", Options{})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Expected fallback to long polling, got %v", err)
	}
	defer conn.Stop(context.Background())

	if _, err := conn.Invoke(context.Background(), "Echo", "hi"); err != nil {
		t.Errorf("Invoke over fallback failed: %v", err)
	}
}

func TestNegotiateRedirect(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.Hub("testHub").Handle("Echo", echo)

	var auth string
	var mu sync.Mutex
	redirect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"url":         srv.URL + "/testHub",
			"accessToken": "redirected-token",
		})
	}))
	defer redirect.Close()

	srv.Router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			if h := r.Header.Get("Authorization"); h != "" {
				auth = h
			}
			mu.Unlock()
			next.ServeHTTP(w, r)
		})
	})

	conn := New(redirect.URL+"/testHub", Options{})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Stop(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer redirected-token" {
		t.Errorf("Expected redirected bearer token, got %q", auth)
	}
}

func TestPushHandlersRunInOrder(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	hub := srv.Hub("testHub")

	conn := New(srv.URL+"/testHub", Options{})

	var mu sync.Mutex
	var got []int
	conn.On("refresh", func(args []json.RawMessage) {
		var n int
		json.Unmarshal(args[0], &n)
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Stop(context.Background())

	for i := 0; i < 20; i++ {
		hub.Push("Refresh", i)
	}

	waitFor(t, "pushes", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	})

	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		if n != i {
			t.Fatalf("Expected push %d at position %d, got %d", i, i, n)
		}
	}
}

func TestHandlerMayInvoke(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	hub := srv.Hub("testHub")
	hub.Handle("Me", func(c *hubtest.Client, args []json.RawMessage) (any, error) {
		return map[string]string{"name": "screen"}, nil
	})

	conn := New(srv.URL+"/testHub", Options{})
	done := make(chan string, 1)
	conn.On("Refresh", func(args []json.RawMessage) {
		result, err := conn.Invoke(context.Background(), "Me")
		if err != nil {
			done <- err.Error()
			return
		}
		done <- string(result)
	})

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Stop(context.Background())

	hub.Push("Refresh", nil)

	select {
	case got := <-done:
		if got != `{"name":"screen"}` {
			t.Errorf("Unexpected result from handler invoke: %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Handler invoke did not complete")
	}
}

func TestInvokeErrors(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	hub := srv.Hub("testHub")
	hub.Handle("Fail", func(c *hubtest.Client, args []json.RawMessage) (any, error) {
		return nil, errors.New("room not found")
	})

	conn := New(srv.URL+"/testHub", Options{})

	if _, err := conn.Invoke(context.Background(), "Fail"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected before start, got %v", err)
	}
	if err := conn.Send(context.Background(), "Fail"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected from Send before start, got %v", err)
	}

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Stop(context.Background())

	if err := conn.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}

	_, err := conn.Invoke(context.Background(), "Fail")
	var hubErr *HubError
	if !errors.As(err, &hubErr) {
		t.Fatalf("Expected HubError, got %v", err)
	}
	if hubErr.Message != "room not found" {
		t.Errorf("Expected server message, got %q", hubErr.Message)
	}

	if _, err := conn.Invoke(context.Background(), "Missing"); err == nil {
		t.Error("Expected error for unknown method")
	}
}

func TestSendDoesNotWait(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	hub := srv.Hub("testHub")
	hub.Handle("LeaveRoom", func(c *hubtest.Client, args []json.RawMessage) (any, error) {
		return nil, hubtest.ErrNoReply
	})

	conn := startConn(t, srv, Options{})

	if err := conn.Send(context.Background(), "LeaveRoom"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, "LeaveRoom call", func() bool { return hub.Calls("LeaveRoom") == 1 })
}

func TestInvokeRateLimitedPerMethod(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	hub := srv.Hub("testHub")
	hub.Handle("Echo", echo)
	hub.Handle("Me", echo)

	conn := startConn(t, srv, Options{InvokeRate: 10, InvokeBurst: 1})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := conn.Invoke(context.Background(), "Echo", i); err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Expected calls to be spaced by the limiter, took %v", elapsed)
	}

	// Another method has its own bucket.
	start = time.Now()
	if _, err := conn.Invoke(context.Background(), "Me"); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 80*time.Millisecond {
		t.Errorf("Expected first Me call to pass at once, took %v", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	conn.Invoke(context.Background(), "Echo", "drain")
	if _, err := conn.Invoke(ctx, "Echo", "late"); err == nil {
		t.Error("Expected limited call to fail when its context ends first")
	}
}

func TestPendingInvokeFailsOnDrop(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	hub := srv.Hub("testHub")
	hub.Handle("CreateRoom", func(c *hubtest.Client, args []json.RawMessage) (any, error) {
		return nil, hubtest.ErrNoReply
	})

	conn := startConn(t, srv, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := conn.Invoke(context.Background(), "CreateRoom")
		errc <- err
	}()

	waitFor(t, "CreateRoom call", func() bool { return hub.Calls("CreateRoom") == 1 })
	hub.DropConnections()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pending invoke was not failed")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	hub := srv.Hub("testHub")
	hub.Handle("Echo", echo)

	conn := New(srv.URL+"/testHub", Options{RetryPolicy: DelaySchedule{0, 10 * time.Millisecond}})

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	conn.OnReconnecting(func(err error) { record("reconnecting") })
	conn.OnReconnected(func(id string) { record("reconnected") })
	conn.OnClose(func(err error) { record("closed") })

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first := conn.ConnectionID()

	hub.DropConnections()

	waitFor(t, "reconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	})

	mu.Lock()
	if events[0] != "reconnecting" || events[1] != "reconnected" {
		t.Errorf("Unexpected event order: %v", events)
	}
	mu.Unlock()

	if conn.ConnectionID() == first {
		t.Error("Expected a new connection id after reconnect")
	}
	if _, err := conn.Invoke(context.Background(), "Echo", 1); err != nil {
		t.Errorf("Invoke after reconnect failed: %v", err)
	}

	conn.Stop(context.Background())
	waitFor(t, "close", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3 && events[2] == "closed"
	})
}

func TestCloseWithoutRetryPolicy(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	hub := srv.Hub("testHub")

	conn := New(srv.URL+"/testHub", Options{})
	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	hub.DropConnections()

	select {
	case err := <-closed:
		if err == nil {
			t.Error("Expected a close error for a dropped connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose was not called")
	}
	if conn.State() != Disconnected {
		t.Errorf("Expected Disconnected, got %s", conn.State())
	}
}

func TestServerCloseMessage(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	hub := srv.Hub("testHub")

	conn := New(srv.URL+"/testHub", Options{RetryPolicy: DefaultReconnectDelays})
	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	hub.Kick("session revoked", false)

	select {
	case err := <-closed:
		if err == nil || !strings.Contains(err.Error(), "session revoked") {
			t.Errorf("Expected close reason from server, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose was not called")
	}
}

func TestServerTimeout(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.Hub("testHub")

	conn := New(srv.URL+"/testHub", Options{
		KeepAliveInterval: 20 * time.Millisecond,
		ServerTimeout:     100 * time.Millisecond,
	})
	closed := make(chan error, 1)
	conn.OnClose(func(err error) { closed <- err })

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case err := <-closed:
		if !errors.Is(err, ErrServerTimeout) {
			t.Errorf("Expected ErrServerTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server timeout did not close the connection")
	}
}

func TestStartFailsWithoutServer(t *testing.T) {
	srv := hubtest.NewServer()
	url := srv.URL
	srv.Close()

	conn := New(url+"/testHub", Options{})
	if err := conn.Start(context.Background()); err == nil {
		t.Fatal("Expected start to fail")
	}
	if conn.State() != Disconnected {
		t.Errorf("Expected Disconnected after failed start, got %s", conn.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	srv := hubtest.NewServer()
	defer srv.Close()
	srv.Hub("testHub")

	conn := New(srv.URL+"/testHub", Options{})
	if err := conn.Stop(context.Background()); err != nil {
		t.Errorf("Stop before start failed: %v", err)
	}

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn.Stop(context.Background())
	if err := conn.Stop(context.Background()); err != nil {
		t.Errorf("Second stop failed: %v", err)
	}
}
