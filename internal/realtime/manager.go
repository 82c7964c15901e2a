package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nozsavsev/keynote-realtime/internal/observable"
	"github.com/nozsavsev/keynote-realtime/internal/room"
	"github.com/nozsavsev/keynote-realtime/internal/transport"
)

// Role describes what differs between the hubs.
type Role struct {
	Hub string

	// Session acquires the role's session cookie before connecting.
	Session func(ctx context.Context) error

	// Empty reports whether a room snapshot means "no room" for the role.
	Empty func(r *room.Room) bool
}

// Manager owns one hub connection and the state cached from it. Me is the
// role's self type.
type Manager[Me any] struct {
	role Role
	opts Options
	log  *log.Logger

	state       *observable.Value[ConnectionState]
	me          *observable.Value[*Me]
	currentRoom *observable.Value[*room.Room]

	mu           sync.Mutex
	conn         HubConn
	connecting   bool
	attempt      uint64
	visible      bool
	lastActivity time.Time
	healthStop   chan struct{}
	flags        []*busyFlag

	// Role hooks, installed by the controllers before first use.
	afterConnect func(ctx context.Context)
	onRoomCode   func(code string)
}

func newManager[Me any](role Role, opts Options) *Manager[Me] {
	opts.setDefaults(role.Hub)

	m := &Manager[Me]{
		role:        role,
		opts:        opts,
		log:         opts.Logger,
		state:       observable.New(Disconnected),
		me:          observable.New[*Me](nil),
		currentRoom: observable.New[*room.Room](nil),
		visible:     true,
	}
	m.afterConnect = m.Refresh
	m.onRoomCode = func(code string) {
		m.log.Printf("room code received: %s", code)
	}
	return m
}

func (m *Manager[Me]) Hub() string {
	return m.role.Hub
}

func (m *Manager[Me]) ConnectionState() ConnectionState {
	return m.state.Get()
}

// Me returns a copy of the cached self.
func (m *Manager[Me]) Me() *Me {
	me := m.me.Get()
	if me == nil {
		return nil
	}
	c := *me
	return &c
}

// CurrentRoom returns a copy of the cached room. Callers may modify it
// freely.
func (m *Manager[Me]) CurrentRoom() *room.Room {
	return m.currentRoom.Get().Clone()
}

func (m *Manager[Me]) HasScreen() bool {
	r := m.currentRoom.Get()
	return r != nil && r.Screen != nil
}

func (m *Manager[Me]) OnConnectionState(fn func(ConnectionState)) func() {
	return m.state.Subscribe(fn)
}

// OnMe and OnCurrentRoom pass the stored value itself. Subscribers must
// not modify it.
func (m *Manager[Me]) OnMe(fn func(*Me)) func() {
	return m.me.Subscribe(fn)
}

func (m *Manager[Me]) OnCurrentRoom(fn func(*room.Room)) func() {
	return m.currentRoom.Subscribe(fn)
}

func (m *Manager[Me]) setMe(me *Me) {
	m.me.Set(me)
}

// setCurrentRoom stores a private copy so every update is a new value.
func (m *Manager[Me]) setCurrentRoom(r *room.Room) {
	m.currentRoom.Set(r.Clone())
}

func (m *Manager[Me]) clearData() {
	m.setMe(nil)
	m.setCurrentRoom(nil)
}

func (m *Manager[Me]) track(flags ...*busyFlag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = append(m.flags, flags...)
}

func (m *Manager[Me]) touch() {
	m.mu.Lock()
	m.lastActivity = m.opts.Now()
	m.mu.Unlock()
}

// Connect opens the hub connection. It returns nil without doing anything
// when already connected or while another attempt is in flight.
func (m *Manager[Me]) Connect(ctx context.Context) error {
	attempt, stale, ok := m.claim(false)
	if !ok {
		return nil
	}
	return m.open(ctx, attempt, stale)
}

// reconnect forces a full disconnect and connect cycle.
func (m *Manager[Me]) reconnect(ctx context.Context) {
	attempt, stale, ok := m.claim(true)
	if !ok {
		return
	}
	m.log.Printf("initiating reconnection...")
	if err := m.open(ctx, attempt, stale); err != nil {
		m.log.Printf("reconnection failed: %v", err)
	}
}

// claim takes the in-flight flag and detaches the current connection.
func (m *Manager[Me]) claim(force bool) (uint64, HubConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connecting {
		return 0, nil, false
	}
	if !force && m.state.Get() == Connected {
		return 0, nil, false
	}
	m.connecting = true
	m.attempt++
	stale := m.conn
	m.conn = nil
	return m.attempt, stale, true
}

func (m *Manager[Me]) current(attempt uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt == attempt
}

func (m *Manager[Me]) open(ctx context.Context, attempt uint64, stale HubConn) error {
	if stale != nil {
		if err := stale.Stop(ctx); err != nil {
			m.log.Printf("failed to stop previous connection: %v", err)
		}
	}

	if !m.current(attempt) {
		return m.settle()
	}
	m.state.Set(Connecting)

	if m.role.Session != nil {
		if err := m.role.Session(ctx); err != nil {
			m.log.Printf("failed to acquire session cookie: %v", err)
		}
	}

	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}
	conn := m.opts.Dial(m.hubURL(), transport.Options{
		HTTPClient:  m.opts.HTTPClient,
		Header:      header,
		RetryPolicy: m.opts.ReconnectDelays,
		InvokeRate:  m.opts.InvokeRate,
		InvokeBurst: m.opts.InvokeBurst,
		Logger:      m.log,
	})
	m.register(conn)

	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		return m.settle()
	}
	m.conn = conn
	m.mu.Unlock()

	if err := conn.Start(ctx); err != nil {
		m.mu.Lock()
		owned := m.attempt == attempt
		if owned {
			m.conn = nil
			m.connecting = false
		}
		m.mu.Unlock()

		if owned {
			m.stopHealth()
			m.state.Set(Disconnected)
			m.clearData()
		}
		m.log.Printf("connection failed: %v", err)
		return fmt.Errorf("connect %s: %w", m.role.Hub, err)
	}

	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		conn.Stop(ctx)
		return m.settle()
	}
	m.connecting = false
	m.lastActivity = m.opts.Now()
	m.mu.Unlock()

	m.state.Set(Connected)
	m.startHealth()
	m.log.Printf("connected")

	m.afterConnect(ctx)
	return nil
}

var errDisconnected = errors.New("disconnected while connecting")

// settle is called by an attempt that lost ownership. If nothing else is
// connecting or connected, the state must end up Disconnected.
func (m *Manager[Me]) settle() error {
	m.mu.Lock()
	idle := !m.connecting && m.conn == nil
	m.mu.Unlock()

	if idle && m.state.Get() == Connecting {
		m.state.Set(Disconnected)
	}
	return errDisconnected
}

// Disconnect stops everything and clears cached state. Safe to call at
// any time.
func (m *Manager[Me]) Disconnect(ctx context.Context) {
	m.stopHealth()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.connecting = false
	m.attempt++
	flags := append([]*busyFlag(nil), m.flags...)
	m.mu.Unlock()

	for _, f := range flags {
		f.done()
	}

	if conn != nil {
		if err := conn.Stop(ctx); err != nil {
			m.log.Printf("failed to stop connection: %v", err)
		}
	}

	m.state.Set(Disconnected)
	m.clearData()
}

func (m *Manager[Me]) hubURL() string {
	return strings.TrimSuffix(m.opts.RealtimeBase, "/") + "/" + m.role.Hub
}

// owns reports whether conn is still the live connection.
func (m *Manager[Me]) owns(conn HubConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn == conn
}

func (m *Manager[Me]) register(conn HubConn) {
	conn.OnClose(func(err error) {
		m.mu.Lock()
		if m.conn != conn {
			m.mu.Unlock()
			return
		}
		m.connecting = false
		m.mu.Unlock()

		if err != nil {
			m.log.Printf("connection closed: %v", err)
		}
		m.state.Set(Disconnected)
	})

	conn.OnReconnecting(func(err error) {
		if !m.owns(conn) {
			return
		}
		m.log.Printf("reconnecting: %v", err)
		m.state.Set(Connecting)
		if !m.owns(conn) {
			m.settle()
		}
	})

	conn.OnReconnected(func(connectionID string) {
		m.mu.Lock()
		if m.conn != conn {
			m.mu.Unlock()
			return
		}
		m.connecting = false
		m.lastActivity = m.opts.Now()
		m.mu.Unlock()

		m.log.Printf("reconnected (id %s)", connectionID)
		m.state.Set(Connected)
	})

	conn.On("Disconnected", func(args []json.RawMessage) {
		m.mu.Lock()
		if m.conn != conn {
			m.mu.Unlock()
			return
		}
		m.connecting = false
		m.mu.Unlock()

		m.log.Printf("server reported disconnect")
		m.state.Set(Disconnected)
	})

	conn.On("Refresh", func(args []json.RawMessage) {
		if !m.owns(conn) {
			return
		}
		var pushed *room.Room
		if len(args) > 0 {
			r, err := decode[room.Room](args[0])
			if err != nil {
				m.log.Printf("bad Refresh payload: %v", err)
			}
			pushed = r
		}

		m.touch()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.CallTimeout)
		defer cancel()
		m.refresh(ctx, pushed)
	})

	conn.On("RoomCode", func(args []json.RawMessage) {
		if !m.owns(conn) || len(args) == 0 {
			return
		}
		var code string
		if err := json.Unmarshal(args[0], &code); err != nil {
			m.log.Printf("bad RoomCode payload: %v", err)
			return
		}
		m.onRoomCode(code)
	})
}

// invoke calls a method on the live connection.
func (m *Manager[Me]) invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil, transport.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	return conn.Invoke(ctx, method, args...)
}

func (m *Manager[Me]) send(ctx context.Context, method string, args ...any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return transport.ErrNotConnected
	}
	return conn.Send(ctx, method, args...)
}

// Refresh re-fetches self and the current room.
func (m *Manager[Me]) Refresh(ctx context.Context) {
	m.refresh(ctx, nil)
}

func (m *Manager[Me]) refresh(ctx context.Context, pushed *room.Room) {
	m.refreshMe(ctx)

	r := pushed
	if r != nil && m.empty(r) {
		r = nil
	}
	if r == nil {
		fetched, err := m.fetchRoom(ctx)
		if err != nil {
			m.log.Printf("GetCurrentRoom failed: %v", err)
			return
		}
		r = fetched
	}
	m.setCurrentRoom(r)
}

func (m *Manager[Me]) refreshMe(ctx context.Context) {
	raw, err := m.invoke(ctx, "Me")
	if err != nil {
		m.log.Printf("Me failed: %v", err)
		return
	}
	me, err := decode[Me](raw)
	if err != nil {
		m.log.Printf("bad Me result: %v", err)
		return
	}
	m.setMe(me)
}

func (m *Manager[Me]) fetchRoom(ctx context.Context) (*room.Room, error) {
	raw, err := m.invoke(ctx, "GetCurrentRoom")
	if err != nil {
		return nil, err
	}
	r, err := decode[room.Room](raw)
	if err != nil {
		return nil, err
	}
	if r != nil && m.empty(r) {
		return nil, nil
	}
	return r, nil
}

func (m *Manager[Me]) empty(r *room.Room) bool {
	return m.role.Empty != nil && m.role.Empty(r)
}

// roomCommand runs a command whose result is a room snapshot.
func (m *Manager[Me]) roomCommand(ctx context.Context, method string, args ...any) bool {
	if m.ConnectionState() != Connected {
		return false
	}
	raw, err := m.invoke(ctx, method, args...)
	if err != nil {
		m.log.Printf("%s failed: %v", method, err)
		return false
	}
	r, err := decode[room.Room](raw)
	if err != nil {
		m.log.Printf("bad %s result: %v", method, err)
		return false
	}
	if r == nil {
		return false
	}
	m.setCurrentRoom(r)
	return true
}

// meCommand runs a command whose result is the caller's own state.
func (m *Manager[Me]) meCommand(ctx context.Context, method string, args ...any) bool {
	if m.ConnectionState() != Connected {
		return false
	}
	raw, err := m.invoke(ctx, method, args...)
	if err != nil {
		m.log.Printf("%s failed: %v", method, err)
		return false
	}
	me, err := decode[Me](raw)
	if err != nil {
		m.log.Printf("bad %s result: %v", method, err)
		return false
	}
	if me == nil {
		return false
	}
	m.setMe(me)
	return true
}
