package realtime

import (
	"context"
	"time"

	"github.com/nozsavsev/keynote-realtime/internal/transport"
)

func (m *Manager[Me]) startHealth() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.healthStop != nil {
		return
	}
	stop := make(chan struct{})
	m.healthStop = stop
	go m.healthLoop(stop)
}

func (m *Manager[Me]) stopHealth() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.healthStop != nil {
		close(m.healthStop)
		m.healthStop = nil
	}
}

func (m *Manager[Me]) healthLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
			m.CheckHealth(ctx)
			cancel()
		}
	}
}

// CheckHealth runs one health check. A connection idle for longer than
// StaleAfter, or any connection while the client is hidden, is torn down
// and reopened.
func (m *Manager[Me]) CheckHealth(ctx context.Context) {
	if m.ConnectionState() != Connected {
		return
	}

	m.mu.Lock()
	conn := m.conn
	idle := m.opts.Now().Sub(m.lastActivity)
	visible := m.visible
	m.mu.Unlock()

	if conn == nil {
		return
	}

	if idle > m.opts.StaleAfter || !visible {
		m.log.Printf("connection appears stale (%v since last activity, visible=%t), reconnecting...", idle.Round(time.Millisecond), visible)
		m.reconnect(ctx)
		return
	}

	if s := conn.State(); s != transport.Connected {
		m.log.Printf("transport state is %s, reconnecting...", s)
		m.reconnect(ctx)
		return
	}
	m.touch()
}

// SetVisible records whether the client is in the foreground. Coming back
// to the foreground while disconnected starts a connection attempt.
func (m *Manager[Me]) SetVisible(visible bool) {
	m.mu.Lock()
	was := m.visible
	m.visible = visible
	m.mu.Unlock()

	if !visible || was || m.ConnectionState() != Disconnected {
		return
	}

	m.log.Printf("client became visible, attempting to reconnect...")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
		defer cancel()
		if err := m.Connect(ctx); err != nil {
			m.log.Printf("reconnect on visibility failed: %v", err)
		}
	}()
}
