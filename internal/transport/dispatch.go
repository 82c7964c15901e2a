package transport

import "sync"

// dispatcher runs queued callbacks one at a time in the order they were
// posted. A worker goroutine exists only while the queue is non-empty.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.queue = append(d.queue, fn)
	if !d.running {
		d.running = true
		go d.drain()
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}
