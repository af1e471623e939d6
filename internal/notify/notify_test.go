package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyFiresOnce(t *testing.T) {
	r := NewRegistry()
	key := ChatKey(1)

	var calls atomic.Int32
	w := r.SubscribeFunc(key, func() { calls.Add(1) })
	require.Equal(t, 1, r.Pending(key))

	assert.Equal(t, 1, r.Notify(key))
	assert.Equal(t, 0, r.Notify(key), "waiter must be removed after firing")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, r.Pending(key))

	select {
	case <-w.Done():
	default:
		t.Fatal("Done not closed after Notify")
	}
	assert.False(t, r.Unsubscribe(w), "unsubscribe after fire reports false")
}

func TestNotifyOnlyMatchingKey(t *testing.T) {
	r := NewRegistry()
	chat := r.Subscribe(ChatKey(5))
	user := r.Subscribe(UserKey(5))

	assert.Equal(t, 1, r.Notify(UserKey(5)))
	select {
	case <-chat.Done():
		t.Fatal("chat waiter fired for user key")
	default:
	}
	<-user.Done()
	assert.True(t, r.Unsubscribe(chat))
	assert.Equal(t, 0, r.Len())
}

func TestSubscribeAfterNotifyMissesEvent(t *testing.T) {
	r := NewRegistry()
	key := ChatKey(2)
	r.Notify(key)
	w := r.Subscribe(key)
	select {
	case <-w.Done():
		t.Fatal("late waiter observed an earlier notify")
	default:
	}
	r.Unsubscribe(w)
}

func TestCallbackMayReenterRegistry(t *testing.T) {
	r := NewRegistry()
	key := ChatKey(3)

	rearmed := make(chan *Waiter, 1)
	r.SubscribeFunc(key, func() {
		rearmed <- r.Subscribe(key)
	})

	done := make(chan struct{})
	go func() {
		r.Notify(key)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify deadlocked on a re-entrant callback")
	}

	w := <-rearmed
	assert.Equal(t, 1, r.Pending(key))
	assert.True(t, r.Unsubscribe(w))
}

func TestConcurrentNotifyAndUnsubscribe(t *testing.T) {
	r := NewRegistry()
	key := ChatKey(4)

	var fired atomic.Int32
	var wg sync.WaitGroup
	waiters := make([]*Waiter, 100)
	for i := range waiters {
		waiters[i] = r.SubscribeFunc(key, func() { fired.Add(1) })
	}

	var removed atomic.Int32
	for _, w := range waiters {
		wg.Add(1)
		go func(w *Waiter) {
			defer wg.Done()
			if r.Unsubscribe(w) {
				removed.Add(1)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Notify(key)
	}()
	wg.Wait()

	assert.Equal(t, int32(100), fired.Load()+removed.Load(), "each waiter is either fired or removed")
	assert.Equal(t, 0, r.Len())
}

func TestWaitReturnsImmediatelyWhenReady(t *testing.T) {
	r := NewRegistry()
	ok, err := r.Wait(context.Background(), ChatKey(1), time.Second, func(context.Context) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestWaitTimeoutIsNotAnError(t *testing.T) {
	r := NewRegistry()
	start := time.Now()
	ok, err := r.Wait(context.Background(), ChatKey(1), 30*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, r.Len(), "timed out waiter must be removed")
}

func TestWaitWakesOnNotify(t *testing.T) {
	r := NewRegistry()
	key := ChatKey(9)

	var state atomic.Bool
	ready := func(context.Context) (bool, error) { return state.Load(), nil }

	go func() {
		for r.Pending(key) == 0 {
			time.Sleep(time.Millisecond)
		}
		// a notify without a state change re-arms the wait
		r.Notify(key)
		for r.Pending(key) == 0 {
			time.Sleep(time.Millisecond)
		}
		state.Store(true)
		r.Notify(key)
	}()

	ok, err := r.Wait(context.Background(), key, 5*time.Second, ready)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestWaitRecheckClosesRace(t *testing.T) {
	r := NewRegistry()
	key := ChatKey(10)

	// The first check sees stale state; the change and its notify land
	// before the subscription, so only the re-check can observe it.
	checks := 0
	ok, err := r.Wait(context.Background(), key, time.Second, func(context.Context) (bool, error) {
		checks++
		if checks == 1 {
			r.Notify(key)
			return false, nil
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, checks)
	assert.Equal(t, 0, r.Len())
}

func TestWaitCancelled(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for r.Len() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	ok, err := r.Wait(ctx, UserKey(1), 5*time.Second, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.False(t, ok)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, r.Len())
}

func TestWaitPropagatesReadyError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	_, err := r.Wait(context.Background(), ChatKey(1), time.Second, func(context.Context) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}
