// Package observable holds single values that notify subscribers when
// they are replaced.
package observable

import "sync"

// Readable is the consumer side of a Value.
type Readable[T any] interface {
	Get() T
	Subscribe(fn func(T)) (unsubscribe func())
}

// Value is owned by exactly one writer; everything else should only see
// it through Readable.
type Value[T any] struct {
	mu     sync.RWMutex
	value  T
	nextID int
	subs   map[int]func(T)
}

func New[T any](initial T) *Value[T] {
	return &Value[T]{
		value: initial,
		subs:  make(map[int]func(T)),
	}
}

func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Set stores the value and calls every subscriber with it. Subscribers
// run on the caller's goroutine, outside the lock.
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	v.value = value
	subs := make([]func(T), 0, len(v.subs))
	for _, fn := range v.subs {
		subs = append(subs, fn)
	}
	v.mu.Unlock()

	for _, fn := range subs {
		fn(value)
	}
}

func (v *Value[T]) Subscribe(fn func(T)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.nextID
	v.nextID++
	v.subs[id] = fn

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.subs, id)
	}
}
