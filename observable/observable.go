// Package observable provides a thread-safe value holder whose changes can be
// watched.
//
// A Value always holds one complete snapshot. Writers replace the whole
// snapshot under a lock, so readers never see a partially applied update, and
// subscribers are notified once per committed change, in commit order. Each
// change is delivered to subscribers in the order they subscribed.
package observable

import (
	"context"
	"slices"
	"sync"
)

// Value holds a snapshot of T and notifies subscribers when it changes.
//
// The zero Value is not usable; create instances with New.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	changed chan struct{}
	subs    []subscriber[T]
	nextSub int

	// notifyMu keeps subscriber deliveries in commit order.
	notifyMu sync.Mutex
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// New returns a Value holding initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		current: initial,
		changed: make(chan struct{}),
	}
}

// Get returns the current snapshot.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set replaces the snapshot with next.
func (v *Value[T]) Set(next T) {
	v.Update(func(T) T { return next })
}

// Update atomically replaces the snapshot with the result of fn applied to the
// current one and returns the new snapshot. fn runs under the value's lock and
// must not call back into the same Value.
//
// Subscribers are invoked synchronously after the lock is released. A
// subscriber must not write to the Value it is subscribed to.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	next := fn(v.current)
	v.current = next
	close(v.changed)
	v.changed = make(chan struct{})
	subs := make([]func(T), 0, len(v.subs))
	for _, s := range v.subs {
		subs = append(subs, s.fn)
	}
	v.notifyMu.Lock()
	v.mu.Unlock()

	defer v.notifyMu.Unlock()
	for _, s := range subs {
		s(next)
	}
	return next
}

// Subscribe registers fn to be called with every committed snapshot. The
// returned function removes the subscription.
func (v *Value[T]) Subscribe(fn func(T)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.nextSub
	v.nextSub++
	v.subs = append(v.subs, subscriber[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			v.subs = slices.DeleteFunc(v.subs, func(s subscriber[T]) bool { return s.id == id })
		})
	}
}

// Changed returns a channel that is closed on the next committed change.
func (v *Value[T]) Changed() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.changed
}

// WaitFor blocks until pred reports true for the current snapshot or ctx is
// done. It returns the snapshot that satisfied pred.
func (v *Value[T]) WaitFor(ctx context.Context, pred func(T) bool) (T, error) {
	for {
		v.mu.Lock()
		cur, changed := v.current, v.changed
		v.mu.Unlock()

		if pred(cur) {
			return cur, nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-changed:
		}
	}
}
