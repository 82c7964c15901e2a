package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nozsavsev/keynote-realtime/internal/api"
	"github.com/nozsavsev/keynote-realtime/internal/config"
	"github.com/nozsavsev/keynote-realtime/internal/db"
	"github.com/nozsavsev/keynote-realtime/internal/realtime"
	"github.com/nozsavsev/keynote-realtime/internal/registry"
	"github.com/nozsavsev/keynote-realtime/internal/room"
	"github.com/nozsavsev/keynote-realtime/internal/sweeper"
)

// App is everything one client process shares between commands: the
// cookie store, the REST client and the hub controllers.
type App struct {
	cfg *config.Config
	out io.Writer

	store   *db.Database
	sweeper *sweeper.Service
	api     *api.Client
	reg     *registry.Registry

	mu      sync.Mutex
	watched map[string]bool
	unsubs  []func()
}

func NewApp(cfg *config.Config, out io.Writer) (*App, error) {
	if dir := filepath.Dir(cfg.CookieDB); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create cookie dir: %w", err)
		}
	}

	store, err := db.New(cfg.CookieDB)
	if err != nil {
		return nil, fmt.Errorf("open cookie store: %w", err)
	}
	jar, err := db.NewJar(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load cookies: %w", err)
	}

	httpClient := &http.Client{Jar: jar, Timeout: 30 * time.Second}
	apiClient := api.New(cfg.APIBase, httpClient, cfg.Token)

	a := &App{
		cfg:     cfg,
		out:     out,
		store:   store,
		sweeper: sweeper.New(store, sweeper.Config{Interval: cfg.SweepInterval}),
		api:     apiClient,
		watched: make(map[string]bool),
	}
	a.reg = registry.New(realtime.Options{
		RealtimeBase:   cfg.RealtimeBase,
		HTTPClient:     httpClient,
		Token:          cfg.Token,
		Sessions:       apiClient,
		Notifier:       realtime.NotifierFunc(a.notify),
		HealthInterval: cfg.HealthInterval,
	})

	a.sweeper.Start()
	return a, nil
}

func (a *App) notify(msg string) {
	fmt.Fprintf(a.out, "⚠️  %s\n", msg)
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// watch prints room and connection updates of a controller, once per hub.
func (a *App) watch(hub string, state func(func(realtime.ConnectionState)) func(), rooms func(func(*room.Room)) func()) {
	a.subscribe(hub, func() []func() {
		return []func(){
			state(func(s realtime.ConnectionState) {
				a.printf("[%s] %s\n", hub, s)
			}),
			rooms(func(r *room.Room) {
				a.printf("[%s] %s\n", hub, describeRoom(r))
			}),
		}
	})
}

// subscribe runs fn the first time key is seen and keeps the returned
// unsubscribe funcs for Close.
func (a *App) subscribe(key string, fn func() []func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.watched[key] {
		return
	}
	a.watched[key] = true
	a.unsubs = append(a.unsubs, fn()...)
}

func (a *App) Close() {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.reg.Stop(ctx)
	a.sweeper.Stop()
	a.store.Close()
}

func describeRoom(r *room.Room) string {
	if r == nil {
		return "no room"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "room %s", room.FormatCode(r.RoomCode))
	switch {
	case r.Keynote == nil:
		b.WriteString(", no keynote")
	case !r.Started():
		fmt.Fprintf(&b, ", %s not started", r.Keynote.Name)
	case r.Ended():
		fmt.Fprintf(&b, ", %s ended", r.Keynote.Name)
	default:
		fmt.Fprintf(&b, ", %s frame %d/%d", r.Keynote.Name, r.CurrentFrame, r.Keynote.TotalFrames)
	}
	if r.Screen != nil {
		b.WriteString(", screen attached")
	}
	fmt.Fprintf(&b, ", %d spectators", len(r.Spectators))
	if r.ShowSpectatorQR {
		b.WriteString(", QR shown")
	}
	if r.TempControlSpectatorID != nil {
		fmt.Fprintf(&b, ", control: %s", *r.TempControlSpectatorID)
	}
	return b.String()
}
