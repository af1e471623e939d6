// Package notify is an in-process registry of one-shot waiters keyed by the
// entity they watch. Writers call Notify after committing; long-poll readers
// and websocket watchers wait for it.
//
// A registry only sees notifications raised in its own process.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Kind uint8

const (
	// KindChat keys fire on any write to a chat: messages, members, info.
	KindChat Kind = iota + 1
	// KindUser keys fire when a user is added to a chat or their profile
	// changes.
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindUser:
		return "user"
	default:
		return "unknown"
	}
}

type Key struct {
	Kind Kind
	ID   int64
}

func ChatKey(chatID int64) Key { return Key{Kind: KindChat, ID: chatID} }
func UserKey(userID int64) Key { return Key{Kind: KindUser, ID: userID} }

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Kind, k.ID) }

// Waiter is a single pending interest in a key. It fires at most once.
type Waiter struct {
	key  Key
	id   uint64
	done chan struct{}
	fn   func()
	once sync.Once
}

func (w *Waiter) Key() Key { return w.key }

// Done is closed when the waiter fires. It is never closed for a waiter that
// was unsubscribed before firing.
func (w *Waiter) Done() <-chan struct{} { return w.done }

func (w *Waiter) fire() {
	w.once.Do(func() {
		close(w.done)
		if w.fn != nil {
			w.fn()
		}
	})
}

type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[Key]map[uint64]*Waiter
}

func NewRegistry() *Registry {
	return &Registry{waiters: make(map[Key]map[uint64]*Waiter)}
}

// Subscribe registers a waiter for key. The caller must either receive from
// Done or call Unsubscribe.
func (r *Registry) Subscribe(key Key) *Waiter {
	return r.add(key, nil)
}

// SubscribeFunc registers fn to run once on the next Notify for key. fn runs
// on the notifying goroutine without the registry lock held, so it may call
// back into the registry.
func (r *Registry) SubscribeFunc(key Key, fn func()) *Waiter {
	return r.add(key, fn)
}

func (r *Registry) add(key Key, fn func()) *Waiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	w := &Waiter{key: key, id: r.nextID, done: make(chan struct{}), fn: fn}
	set, ok := r.waiters[key]
	if !ok {
		set = make(map[uint64]*Waiter)
		r.waiters[key] = set
	}
	set[w.id] = w
	return w
}

// Notify fires and removes every waiter currently registered for key and
// returns how many fired. Waiters registered afterwards are not affected.
func (r *Registry) Notify(key Key) int {
	r.mu.Lock()
	set := r.waiters[key]
	delete(r.waiters, key)
	r.mu.Unlock()

	for _, w := range set {
		w.fire()
	}
	return len(set)
}

// Unsubscribe removes w. It reports false when w already fired or was
// removed before, and is safe to call in either case.
func (r *Registry) Unsubscribe(w *Waiter) bool {
	if w == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.waiters[w.key]
	if !ok {
		return false
	}
	if _, ok := set[w.id]; !ok {
		return false
	}
	delete(set, w.id)
	if len(set) == 0 {
		delete(r.waiters, w.key)
	}
	return true
}

// Pending returns the number of waiters registered for key.
func (r *Registry) Pending(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[key])
}

// Len returns the number of waiters across all keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.waiters {
		n += len(set)
	}
	return n
}

// ReadyFunc reports whether the state a caller waits for is already there.
type ReadyFunc func(ctx context.Context) (bool, error)

// Wait blocks until ready reports true, the timeout elapses or ctx is done.
// It checks ready, subscribes, then checks again so a Notify that lands
// between the first check and the subscription is not lost. A notification
// after which ready is still false re-arms the wait until the deadline.
//
// Timeout is not an error: Wait returns false, nil. Cancellation returns
// ctx.Err(). Every waiter it registers is removed before it returns.
func (r *Registry) Wait(ctx context.Context, key Key, timeout time.Duration, ready ReadyFunc) (bool, error) {
	ok, err := ready(ctx)
	if err != nil || ok {
		return ok, err
	}
	if timeout <= 0 {
		return false, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		w := r.Subscribe(key)

		ok, err := ready(ctx)
		if err != nil || ok {
			r.Unsubscribe(w)
			return ok, err
		}

		select {
		case <-w.Done():
		case <-timer.C:
			r.Unsubscribe(w)
			return false, nil
		case <-ctx.Done():
			r.Unsubscribe(w)
			return false, ctx.Err()
		}
	}
}
