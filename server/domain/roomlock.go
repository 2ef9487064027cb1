package domain

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// RoomLocker serializes transitions per room. Locks for several rooms are
// always taken in sorted order so two room switches cannot deadlock.
type RoomLocker struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func NewRoomLocker() *RoomLocker {
	return &RoomLocker{locks: make(map[string]*roomLock)}
}

// Lock blocks until every named room is held and returns the release func.
// Empty names are ignored.
func (l *RoomLocker) Lock(rooms ...string) (unlock func()) {
	names := lo.Uniq(lo.Compact(rooms))
	slices.Sort(names)

	held := make([]*roomLock, 0, len(names))
	for _, name := range names {
		lock := l.acquire(name)
		lock.mu.Lock()
		held = append(held, lock)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		for _, name := range names {
			l.release(name)
		}
	}
}

// Held reports how many rooms currently have a lock entry.
func (l *RoomLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *RoomLocker) acquire(name string) *roomLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[name]
	if !ok {
		lock = &roomLock{}
		l.locks[name] = lock
	}
	lock.refs++
	return lock
}

func (l *RoomLocker) release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[name]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, name)
	}
}
