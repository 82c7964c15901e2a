package realtime

import (
	"sync"
	"time"

	"github.com/nozsavsev/keynote-realtime/internal/observable"
)

// busyFlag marks a command in flight. A safety timer armed when the
// command is issued clears the flag if nothing else does.
type busyFlag struct {
	value *observable.Value[bool]

	mu    sync.Mutex
	timer *time.Timer
}

func newBusyFlag() *busyFlag {
	return &busyFlag{value: observable.New(false)}
}

// begin sets the flag and arms the timer. When the timer fires, expire
// runs and then the flag is cleared.
func (b *busyFlag) begin(timeout time.Duration, expire func()) {
	b.value.Set(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(timeout, func() {
		b.mu.Lock()
		if b.timer != t {
			b.mu.Unlock()
			return
		}
		b.timer = nil
		b.mu.Unlock()

		if expire != nil {
			expire()
		}
		b.value.Set(false)
	})
	b.timer = t
}

// done disarms the timer and clears the flag.
func (b *busyFlag) done() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	b.value.Set(false)
}
