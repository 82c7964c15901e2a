package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nozsavsev/keynote-realtime/internal/transport"
)

// fakeConn is an in-memory HubConn driven by the test.
type fakeConn struct {
	mu       sync.Mutex
	state    transport.State
	gate     chan struct{}
	stopGate chan struct{}
	stops    int
	startErr error
	results  map[string]string
	calls    []string
	stopped  bool

	handlers       map[string]func([]json.RawMessage)
	onClose        []func(error)
	onReconnecting []func(error)
	onReconnected  []func(string)
}

func (f *fakeConn) Start(ctx context.Context) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.state = transport.Connected
	return nil
}

func (f *fakeConn) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	gate := f.stopGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.state = transport.Disconnected
	return nil
}

func (f *fakeConn) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) setState(s transport.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeConn) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.Connected {
		return nil, transport.ErrNotConnected
	}
	f.calls = append(f.calls, method)
	res, ok := f.results[method]
	if !ok {
		return nil, errors.New("no result for " + method)
	}
	return json.RawMessage(res), nil
}

func (f *fakeConn) Send(ctx context.Context, method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	return nil
}

func (f *fakeConn) On(target string, fn func([]json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[strings.ToLower(target)] = fn
}

func (f *fakeConn) OnClose(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = append(f.onClose, fn)
}

func (f *fakeConn) OnReconnecting(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReconnecting = append(f.onReconnecting, fn)
}

func (f *fakeConn) OnReconnected(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReconnected = append(f.onReconnected, fn)
}

func (f *fakeConn) push(target string, args ...string) {
	f.mu.Lock()
	fn := f.handlers[strings.ToLower(target)]
	f.mu.Unlock()

	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw[i] = json.RawMessage(a)
	}
	fn(raw)
}

func (f *fakeConn) close(err error) {
	f.mu.Lock()
	f.state = transport.Disconnected
	fns := append([]func(error){}, f.onClose...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (f *fakeConn) stopCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeConn) called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

// fakeDialer hands out fakeConns built by setup.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	setup func(*fakeConn)
}

func (d *fakeDialer) dial(url string, opts transport.Options) HubConn {
	c := &fakeConn{
		results:  map[string]string{},
		handlers: map[string]func([]json.RawMessage){},
	}
	d.mu.Lock()
	setup := d.setup
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	if setup != nil {
		setup(c)
	}
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
