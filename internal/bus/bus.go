// Package bus is a per-key fan-out with latest-wins delivery. Publishers
// never block: a slow subscriber loses intermediate values and always
// observes the most recent one, which is the only value a fast trading
// loop cares about.
package bus

import "sync"

type subscriber[T any] struct {
	ch chan T
}

// Bus fans values out to subscribers keyed by symbol.
type Bus[T any] struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber[T]
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[string][]*subscriber[T])}
}

// Subscribe registers interest in key. The returned channel has capacity
// one and is overwritten, not appended, when the subscriber lags. The
// cancel function detaches and closes the channel; it is idempotent.
func (b *Bus[T]) Subscribe(key string) (<-chan T, func()) {
	sub := &subscriber[T]{ch: make(chan T, 1)}
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[key]
			for i, s := range list {
				if s == sub {
					b.subs[key] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers v to every subscriber of key without blocking. If a
// subscriber's buffer is full the stale value is dropped first.
func (b *Bus[T]) Publish(key string, v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[key] {
		select {
		case sub.ch <- v:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- v:
			default:
			}
		}
	}
}

// Subscribers reports how many channels are attached to key.
func (b *Bus[T]) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}
