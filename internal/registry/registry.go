// Package registry holds the three role controllers of one client process
// and decides when each of them connects.
package registry

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/nozsavsev/keynote-realtime/internal/realtime"
)

// Controller is the role-independent surface of a realtime controller.
type Controller interface {
	Hub() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
	SetVisible(visible bool)
	ConnectionState() realtime.ConnectionState
}

type Overall string

const (
	OverallConnected    Overall = "connected"
	OverallConnecting   Overall = "connecting"
	OverallDisconnected Overall = "disconnected"
	OverallPartial      Overall = "partial"
)

type Status struct {
	Presenter realtime.ConnectionState
	Screen    realtime.ConnectionState
	Spectator realtime.ConnectionState
	Overall   Overall
}

type Registry struct {
	Presenter *realtime.Presenter
	Screen    *realtime.Screen
	Spectator *realtime.Spectator

	autoConnect map[string]bool

	mu     sync.Mutex
	userID string
}

// New builds the controllers. autoConnect names the hubs Start connects;
// with none given the screen and spectator hubs are used.
func New(opts realtime.Options, autoConnect ...string) *Registry {
	if len(autoConnect) == 0 {
		autoConnect = []string{realtime.ScreenHub, realtime.SpectatorHub}
	}
	auto := make(map[string]bool, len(autoConnect))
	for _, hub := range autoConnect {
		auto[hub] = true
	}

	return &Registry{
		Presenter:   realtime.NewPresenter(opts),
		Screen:      realtime.NewScreen(opts),
		Spectator:   realtime.NewSpectator(opts),
		autoConnect: auto,
	}
}

func (r *Registry) controllers() []Controller {
	return []Controller{r.Presenter, r.Screen, r.Spectator}
}

// Start connects every auto-connected hub that is disconnected.
func (r *Registry) Start(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, c := range r.controllers() {
		if !r.autoConnect[c.Hub()] || c.ConnectionState() != realtime.Disconnected {
			continue
		}
		wg.Add(1)
		go func(c Controller) {
			defer wg.Done()
			log.Printf("Attempting to connect %s", c.Hub())
			if err := c.Connect(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(c)
	}

	wg.Wait()
	return errors.Join(errs...)
}

// SetUser connects the presenter hub once a logged-in user is known or
// the user changes. An empty id is ignored.
func (r *Registry) SetUser(ctx context.Context, userID string) error {
	r.mu.Lock()
	changed := userID != r.userID
	r.userID = userID
	r.mu.Unlock()

	if userID == "" || !changed || r.Presenter.ConnectionState() != realtime.Disconnected {
		return nil
	}

	log.Printf("Attempting to connect %s for user %s", r.Presenter.Hub(), userID)
	return r.Presenter.Connect(ctx)
}

func (r *Registry) SetVisible(visible bool) {
	for _, c := range r.controllers() {
		c.SetVisible(visible)
	}
}

func (r *Registry) Status() Status {
	s := Status{
		Presenter: r.Presenter.ConnectionState(),
		Screen:    r.Screen.ConnectionState(),
		Spectator: r.Spectator.ConnectionState(),
	}
	s.Overall = overall(s.Presenter, s.Screen, s.Spectator)
	return s
}

func overall(states ...realtime.ConnectionState) Overall {
	var connected, connecting, disconnected int
	for _, st := range states {
		switch st {
		case realtime.Connected:
			connected++
		case realtime.Connecting:
			connecting++
		case realtime.Disconnected:
			disconnected++
		}
	}

	switch {
	case connected == len(states):
		return OverallConnected
	case connecting > 0:
		return OverallConnecting
	case disconnected == len(states):
		return OverallDisconnected
	default:
		return OverallPartial
	}
}

// Stop disconnects every controller.
func (r *Registry) Stop(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range r.controllers() {
		wg.Add(1)
		go func(c Controller) {
			defer wg.Done()
			c.Disconnect(ctx)
		}(c)
	}
	wg.Wait()
}
