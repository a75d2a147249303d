package core

import (
	"cmp"
	"slices"
	"sync"
)

// keyedMutex hands out one mutex per key. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex[K cmp.Ordered] struct {
	mu    sync.Mutex
	locks map[K]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex[K cmp.Ordered]() *keyedMutex[K] {
	return &keyedMutex[K]{locks: make(map[K]*refMutex)}
}

// Lock locks every key in ascending order and returns the function that
// unlocks them. Duplicate keys are locked once.
func (m *keyedMutex[K]) Lock(keys ...K) (unlock func()) {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]*refMutex, 0, len(keys))
	for _, k := range keys {
		m.mu.Lock()
		l, ok := m.locks[k]
		if !ok {
			l = &refMutex{}
			m.locks[k] = l
		}
		l.refs++
		m.mu.Unlock()

		l.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			l := held[i]
			l.Unlock()
			m.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(m.locks, keys[i])
			}
			m.mu.Unlock()
		}
	}
}
