// Package realtime keeps a local copy of room and self state in sync with
// the keynote hubs, one controller per client role.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/nozsavsev/keynote-realtime/internal/transport"
)

const (
	PresenterHub = "presentorHub"
	ScreenHub    = "screenHub"
	SpectatorHub = "spectatorHub"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// HubConn is what a manager needs from a hub connection.
type HubConn interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() transport.State
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	Send(ctx context.Context, method string, args ...any) error
	On(target string, fn func(args []json.RawMessage))
	OnClose(fn func(err error))
	OnReconnecting(fn func(err error))
	OnReconnected(fn func(connectionID string))
}

// Dialer builds an unstarted connection for a hub url.
type Dialer func(hubURL string, opts transport.Options) HubConn

func DialHub(hubURL string, opts transport.Options) HubConn {
	return transport.New(hubURL, opts)
}

// Sessions acquires the role session cookies. *api.Client implements it.
type Sessions interface {
	ScreenSession(ctx context.Context) error
	SpectatorSession(ctx context.Context) error
}

type Options struct {
	// Base url the hub paths are appended to
	RealtimeBase string

	// Shared with the REST client so session cookies reach the hubs.
	HTTPClient *http.Client
	Token      string
	Sessions   Sessions

	Dial     Dialer
	Notifier Notifier
	Logger   *log.Logger

	ReconnectDelays transport.RetryPolicy

	// Per hub method limit on outgoing calls
	InvokeRate  float64
	InvokeBurst int

	HealthInterval  time.Duration
	StaleAfter      time.Duration
	BusyTimeout     time.Duration
	LeaveRefresh    time.Duration
	CallTimeout     time.Duration
	ConnectTimeout  time.Duration

	Now func() time.Time
}

func (o *Options) setDefaults(hub string) {
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Dial == nil {
		o.Dial = DialHub
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "["+hub+"] ", log.LstdFlags)
	}
	if o.Notifier == nil {
		o.Notifier = LogNotifier{Logger: o.Logger}
	}
	if o.ReconnectDelays == nil {
		o.ReconnectDelays = transport.DefaultReconnectDelays
	}
	if o.InvokeRate <= 0 {
		o.InvokeRate = 10
	}
	if o.InvokeBurst <= 0 {
		o.InvokeBurst = 20
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 120 * time.Second
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.LeaveRefresh <= 0 {
		o.LeaveRefresh = 2 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// decode unmarshals a hub result, treating an empty or null result as nil.
func decode[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
