// Package keyedlock provides mutual exclusion per key. Entries are created on first use and removed once no
// goroutine holds or waits on them, so the map only grows with the number of keys in use.
package keyedlock

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

type entry struct {
	sem chan struct{}
	// guarded by the map bucket lock inside Compute
	refs int
}

type Locker[K comparable] struct {
	locks *xsync.MapOf[K, *entry]
}

func New[K comparable]() *Locker[K] {
	return &Locker[K]{
		locks: xsync.NewMapOf[K, *entry](),
	}
}

// Lock blocks until the key is held or ctx is done. On success the returned function releases the key and must
// be called exactly once.
func (l *Locker[K]) Lock(ctx context.Context, key K) (func(), error) {
	e := l.acquireRef(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(key)
		return nil, ctx.Err()
	}

	return func() {
		<-e.sem
		l.releaseRef(key)
	}, nil
}

// Do runs fn while holding key.
func (l *Locker[K]) Do(ctx context.Context, key K, fn func() error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Len returns the number of keys currently held or waited on.
func (l *Locker[K]) Len() int {
	return l.locks.Size()
}

func (l *Locker[K]) acquireRef(key K) *entry {
	e, _ := l.locks.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			old = &entry{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})
	return e
}

func (l *Locker[K]) releaseRef(key K) {
	l.locks.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return old, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}
