package keylock

import "sync"

// Locker hands out one mutex per key and drops it once no holder or waiter remains.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New constructs an empty Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock blocks until the key is held and returns its release function.
func (l *Locker) Lock(key string) func() {
	l.mu.Lock()
	held, ok := l.locks[key]
	if !ok {
		held = &entry{}
		l.locks[key] = held
	}
	held.refs++
	l.mu.Unlock()

	held.mu.Lock()
	return func() {
		held.mu.Unlock()
		l.mu.Lock()
		held.refs--
		if held.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len reports how many keys are currently tracked.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
