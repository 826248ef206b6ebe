package realtime

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Dispatcher fans published values out to the subscribers of a key.
// Delivery never blocks the publisher: a subscriber whose buffer is full misses the value and
// is signalled on its drop channel.
type Dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
}

type subscriber[T any] struct {
	id      int64
	stream  chan T
	dropped chan struct{}
}

// Option customizes a Dispatcher.
type Option func(*options)

type options struct {
	bufferSize int
}

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

func NewDispatcher[T any](opts ...Option) *Dispatcher[T] {
	resolved := options{bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(&resolved)
	}
	return &Dispatcher[T]{
		subscribers: make(map[string]map[int64]*subscriber[T]),
		bufferSize:  resolved.bufferSize,
	}
}

// Subscribe registers a subscriber for key. The subscription ends when ctx is done or the
// returned cleanup is called, whichever happens first.
func (d *Dispatcher[T]) Subscribe(ctx context.Context, key string) (<-chan T, func()) {
	stream, _, cleanup := d.SubscribeWithDrops(ctx, key)
	return stream, cleanup
}

// SubscribeWithDrops is Subscribe plus a channel that receives a signal whenever a value was
// missed because the subscriber fell behind. Signals coalesce: one pending signal stands for any
// number of missed values.
func (d *Dispatcher[T]) SubscribeWithDrops(ctx context.Context, key string) (<-chan T, <-chan struct{}, func()) {
	if key == "" {
		ch := make(chan T)
		close(ch)
		return ch, make(chan struct{}), func() {}
	}
	sub := &subscriber[T]{
		id:      d.nextSequence(),
		stream:  make(chan T, d.bufferSize),
		dropped: make(chan struct{}, 1),
	}
	d.register(key, sub)

	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			d.unregister(key, sub.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, sub.dropped, cleanup
}

// Publish delivers value to every subscriber of key and reports how many received it.
func (d *Dispatcher[T]) Publish(key string, value T) int {
	if key == "" {
		return 0
	}
	d.mu.RLock()
	subscribers := d.subscribers[key]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return 0
	}
	copies := make([]*subscriber[T], 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()

	delivered := 0
	for _, sub := range copies {
		select {
		case sub.stream <- value:
			delivered++
		default:
			select {
			case sub.dropped <- struct{}{}:
			default:
			}
		}
	}
	return delivered
}

// SubscriberCount returns the number of live subscribers for key.
func (d *Dispatcher[T]) SubscriberCount(key string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[key])
}

func (d *Dispatcher[T]) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher[T]) register(key string, sub *subscriber[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*subscriber[T])
	}
	d.subscribers[key][sub.id] = sub
}

func (d *Dispatcher[T]) unregister(key string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
