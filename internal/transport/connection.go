package transport

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

	"github.com/nozsavsev/keynote-realtime/internal/protocol"
	"github.com/nozsavsev/keynote-realtime/internal/ratelimit"
	"github.com/oklog/ulid/v2"
)

// State of a hub connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Reconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type TransportType string

const (
	WebSockets  TransportType = "WebSockets"
	LongPolling TransportType = "LongPolling"
)

var (
	ErrNotConnected     = errors.New("hub connection is not connected")
	ErrConnectionClosed = errors.New("hub connection closed")
	ErrServerTimeout    = errors.New("server timeout elapsed without receiving a message")
	ErrNoTransport      = errors.New("unable to connect with any transport")
	ErrAlreadyStarted   = errors.New("hub connection already started")
)

// HubError is a failure reported by the server for one invocation.
type HubError struct {
	Method  string
	Message string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hub method %s failed: %s", e.Method, e.Message)
}

type Options struct {
	HTTPClient *http.Client
	Header     http.Header

	// Transports in order of preference
	Transports []TransportType

	// Nil disables automatic reconnect.
	RetryPolicy RetryPolicy

	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration
	HandshakeTimeout  time.Duration

	// Per-method invocation throttle; zero rate disables it.
	InvokeRate  float64
	InvokeBurst int

	Logger *log.Logger
}

func (o *Options) setDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if len(o.Transports) == 0 {
		o.Transports = []TransportType{WebSockets, LongPolling}
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = 15 * time.Second
	}
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.InvokeRate > 0 && o.InvokeBurst <= 0 {
		o.InvokeBurst = 1
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

type invokeResult struct {
	msg protocol.Message
	err error
}

type opened struct {
	link    link
	id      string
	parser  *protocol.Parser
	backlog [][]byte
}

// HubConnection is a client connection to one hub. Push handlers and
// lifecycle callbacks run in order on a single goroutine, separate from
// the read loop, so they may call Invoke.
type HubConnection struct {
	url     string
	opts    Options
	log     *log.Logger
	limiter *ratelimit.Keyed
	events  dispatcher

	mu          sync.Mutex
	state       State
	link        link
	connID      string
	lastReceive time.Time
	closeReason error
	noReconnect bool
	pending     map[string]chan invokeResult
	stopCtx     context.Context
	stopCancel  context.CancelFunc
	closed      chan struct{}

	handlers       map[string][]func([]json.RawMessage)
	onClose        []func(error)
	onReconnecting []func(error)
	onReconnected  []func(string)
}

func New(url string, opts Options) *HubConnection {
	opts.setDefaults()

	c := &HubConnection{
		url:      url,
		opts:     opts,
		log:      opts.Logger,
		pending:  make(map[string]chan invokeResult),
		handlers: make(map[string][]func([]json.RawMessage)),
	}
	if opts.InvokeRate > 0 {
		c.limiter = ratelimit.NewKeyed(opts.InvokeRate, opts.InvokeBurst)
	}
	return c
}

// On registers a handler for a server push. Targets match case-insensitively.
func (c *HubConnection) On(target string, fn func(args []json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(target)
	c.handlers[key] = append(c.handlers[key], fn)
}

// OnClose fires when the connection ends for good. err is nil after Stop.
func (c *HubConnection) OnClose(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

func (c *HubConnection) OnReconnecting(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnecting = append(c.onReconnecting, fn)
}

func (c *HubConnection) OnReconnected(fn func(connectionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = append(c.onReconnected, fn)
}

func (c *HubConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *HubConnection) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Start negotiates, connects and completes the handshake.
func (c *HubConnection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = Connecting
	c.stopCtx, c.stopCancel = context.WithCancel(context.Background())
	c.closed = make(chan struct{})
	stopCtx := c.stopCtx
	c.mu.Unlock()

	octx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(stopCtx, cancel)
	defer release()

	o, err := c.open(octx)
	if err != nil {
		c.finish(nil, false)
		return err
	}

	c.mu.Lock()
	if c.state != Connecting {
		// stopped while connecting
		c.mu.Unlock()
		o.link.Close()
		c.finish(nil, false)
		return ErrConnectionClosed
	}
	c.attachLocked(o)
	c.mu.Unlock()

	c.log.Printf("connected to %s (id %s)", c.url, o.id)
	return nil
}

// Stop closes the connection and waits until it is fully down.
func (c *HubConnection) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Disconnecting
	if c.stopCancel != nil {
		c.stopCancel()
	}
	l := c.link
	closed := c.closed
	c.mu.Unlock()

	if l != nil {
		l.Close()
	}

	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke calls a hub method and waits for its completion.
func (c *HubConnection) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, method); err != nil {
			return nil, err
		}
	}

	id := ulid.Make().String()
	msg, err := protocol.NewInvocation(id, method, args...)
	if err != nil {
		return nil, err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}

	ch := make(chan invokeResult, 1)

	c.mu.Lock()
	if c.state != Connected || c.link == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	l := c.link
	c.pending[id] = ch
	c.mu.Unlock()

	if err := l.Send(data); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("invoke %s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("invoke %s: %w", method, res.err)
		}
		if res.msg.Error != "" {
			return nil, &HubError{Method: method, Message: res.msg.Error}
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Send calls a hub method without waiting for a result.
func (c *HubConnection) Send(ctx context.Context, method string, args ...any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, method); err != nil {
			return err
		}
	}

	msg, err := protocol.NewInvocation("", method, args...)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	l := c.link
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || l == nil {
		return ErrNotConnected
	}
	if err := l.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

func (c *HubConnection) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// open tries each transport in order of preference. A failed attempt
// consumes the connection token, so the next one negotiates again.
func (c *HubConnection) open(ctx context.Context) (*opened, error) {
	var (
		ep   *endpoint
		errs []error
	)

	for _, t := range c.opts.Transports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ep == nil {
			var err error
			ep, err = c.negotiate(ctx)
			if err != nil {
				return nil, err
			}
		}
		if !ep.neg.offers(t) {
			errs = append(errs, fmt.Errorf("%s: not offered by the server", t))
			continue
		}

		l, err := c.dial(ctx, t, ep)
		if err != nil {
			c.log.Printf("%s transport failed: %v", t, err)
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			ep = nil
			continue
		}

		parser, backlog, err := c.handshake(ctx, l)
		if err != nil {
			l.Close()
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			ep = nil
			continue
		}

		return &opened{link: l, id: ep.neg.ConnectionID, parser: parser, backlog: backlog}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", ErrNoTransport, errors.Join(errs...))
}

func (c *HubConnection) dial(ctx context.Context, t TransportType, ep *endpoint) (link, error) {
	switch t {
	case WebSockets:
		l, err := dialWebSocket(ctx, c.opts.HTTPClient, ep, c.opts.HandshakeTimeout)
		if err != nil {
			return nil, err
		}
		return l, nil
	case LongPolling:
		l, err := openLongPolling(ctx, c.opts.HTTPClient, ep)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
}

// handshake sends the protocol request and waits for the reply. Records
// that arrived in the same frame after the reply are returned as backlog.
func (c *HubConnection) handshake(ctx context.Context, l link) (*protocol.Parser, [][]byte, error) {
	req, err := protocol.Encode(protocol.HandshakeRequest{Protocol: protocol.Name, Version: protocol.Version})
	if err != nil {
		return nil, nil, err
	}
	if err := l.Send(req); err != nil {
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}

	timer := time.NewTimer(c.opts.HandshakeTimeout)
	defer timer.Stop()

	parser := &protocol.Parser{}
	for {
		select {
		case frame, ok := <-l.Frames():
			if !ok {
				err := l.Err()
				if err == nil {
					err = ErrConnectionClosed
				}
				return nil, nil, fmt.Errorf("handshake: %w", err)
			}
			records := parser.Feed(frame)
			if len(records) == 0 {
				continue
			}
			var resp protocol.HandshakeResponse
			if err := json.Unmarshal(records[0], &resp); err != nil {
				return nil, nil, fmt.Errorf("handshake: decode response: %w", err)
			}
			if resp.Error != "" {
				return nil, nil, fmt.Errorf("handshake rejected: %s", resp.Error)
			}
			return parser, records[1:], nil

		case <-timer.C:
			return nil, nil, fmt.Errorf("handshake: no response within %s", c.opts.HandshakeTimeout)

		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (c *HubConnection) attachLocked(o *opened) {
	c.link = o.link
	c.connID = o.id
	c.state = Connected
	c.lastReceive = time.Now()
	c.closeReason = nil
	c.noReconnect = false

	go c.receive(o.link, o.parser, o.backlog)
	go c.keepAlive(o.link)
}

func (c *HubConnection) receive(l link, parser *protocol.Parser, backlog [][]byte) {
	for _, record := range backlog {
		c.handleRecord(l, record)
	}

	for frame := range l.Frames() {
		c.mu.Lock()
		if c.link == l {
			c.lastReceive = time.Now()
		}
		c.mu.Unlock()

		for _, record := range parser.Feed(frame) {
			c.handleRecord(l, record)
		}
	}

	c.linkLost(l, l.Err())
}

func (c *HubConnection) handleRecord(l link, record []byte) {
	msg, err := protocol.Decode(record)
	if err != nil {
		c.log.Printf("dropping malformed message: %v", err)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeInvocation:
		c.mu.Lock()
		if c.link != l {
			c.mu.Unlock()
			return
		}
		handlers := append([]func([]json.RawMessage){}, c.handlers[strings.ToLower(msg.Target)]...)
		c.mu.Unlock()

		if len(handlers) == 0 {
			c.log.Printf("no handler registered for %q", msg.Target)
			return
		}
		args := msg.Arguments
		c.events.post(func() {
			for _, h := range handlers {
				h(args)
			}
		})

	case protocol.MessageTypeCompletion:
		c.mu.Lock()
		ch, ok := c.pending[msg.InvocationID]
		delete(c.pending, msg.InvocationID)
		c.mu.Unlock()
		if ok {
			ch <- invokeResult{msg: msg}
		}

	case protocol.MessageTypePing:

	case protocol.MessageTypeClose:
		c.mu.Lock()
		if c.link == l {
			if msg.Error != "" {
				c.closeReason = fmt.Errorf("server closed the connection: %s", msg.Error)
			}
			c.noReconnect = !msg.AllowReconnect
		}
		c.mu.Unlock()
		l.Close()

	default:
		c.log.Printf("ignoring %s message", msg.Type)
	}
}

// linkLost runs once per link when its frames stop. Events from a link
// that was already replaced are ignored.
func (c *HubConnection) linkLost(l link, err error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	pending := c.pending
	c.pending = make(map[string]chan invokeResult)
	if c.closeReason != nil {
		err = c.closeReason
	}
	state := c.state
	retry := state == Connected && c.opts.RetryPolicy != nil && !c.noReconnect
	var handlers []func(error)
	if retry {
		c.state = Reconnecting
		handlers = append(handlers, c.onReconnecting...)
	}
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- invokeResult{err: ErrConnectionClosed}
	}

	if state == Disconnecting {
		c.finish(nil, true)
		return
	}
	if !retry {
		if err == nil {
			err = ErrConnectionClosed
		}
		c.finish(err, true)
		return
	}

	c.log.Printf("connection lost, reconnecting: %v", err)
	c.events.post(func() {
		for _, fn := range handlers {
			fn(err)
		}
	})
	go c.reconnect(err)
}

func (c *HubConnection) reconnect(reason error) {
	c.mu.Lock()
	stopCtx := c.stopCtx
	c.mu.Unlock()

	policy := c.opts.RetryPolicy
	started := time.Now()

	for attempt := 0; ; attempt++ {
		delay, ok := policy.NextRetryDelay(RetryContext{
			PreviousRetryCount: attempt,
			ElapsedTime:        time.Since(started),
			RetryReason:        reason,
		})
		if !ok {
			c.log.Printf("giving up after %d reconnect attempts", attempt)
			c.finish(reason, true)
			return
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-stopCtx.Done():
				timer.Stop()
				c.finish(nil, true)
				return
			case <-timer.C:
			}
		}
		if stopCtx.Err() != nil {
			c.finish(nil, true)
			return
		}

		o, err := c.open(stopCtx)
		if err != nil {
			c.log.Printf("reconnect attempt %d failed: %v", attempt+1, err)
			reason = err
			continue
		}

		c.mu.Lock()
		if c.state != Reconnecting {
			c.mu.Unlock()
			o.link.Close()
			c.finish(nil, true)
			return
		}
		c.attachLocked(o)
		handlers := append([]func(string){}, c.onReconnected...)
		c.mu.Unlock()

		c.log.Printf("reconnected (id %s)", o.id)
		c.events.post(func() {
			for _, fn := range handlers {
				fn(o.id)
			}
		})
		return
	}
}

// finish moves the connection to Disconnected once per lifetime.
func (c *HubConnection) finish(err error, notify bool) {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.link = nil
	c.connID = ""
	if c.stopCancel != nil {
		c.stopCancel()
	}
	pending := c.pending
	c.pending = make(map[string]chan invokeResult)
	closed := c.closed
	handlers := append([]func(error){}, c.onClose...)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- invokeResult{err: ErrConnectionClosed}
	}
	close(closed)

	if !notify {
		return
	}
	if err != nil {
		c.log.Printf("connection closed: %v", err)
	}
	c.events.post(func() {
		for _, fn := range handlers {
			fn(err)
		}
	})
}

// keepAlive pings the server and closes the link when the server has
// been silent for longer than ServerTimeout.
func (c *HubConnection) keepAlive(l link) {
	ping, _ := protocol.Encode(protocol.Message{Type: protocol.MessageTypePing})

	interval := c.opts.KeepAliveInterval
	if half := c.opts.ServerTimeout / 2; half < interval {
		interval = half
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.link != l {
			c.mu.Unlock()
			return
		}
		silent := time.Since(c.lastReceive)
		if silent > c.opts.ServerTimeout {
			c.closeReason = ErrServerTimeout
			c.mu.Unlock()
			l.Close()
			return
		}
		c.mu.Unlock()

		if err := l.Send(ping); err != nil {
			return
		}
	}
}
