package risk

import (
	"sync"
	"time"
)

// userLocks hands out one mutex per user so that read-modify-write updates
// of the same risk row never interleave inside this process.
type userLocks struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	lastSeen map[string]time.Time
	inUse    map[string]int
}

func newUserLocks() *userLocks {
	return &userLocks{
		locks:    make(map[string]*sync.Mutex),
		lastSeen: make(map[string]time.Time),
		inUse:    make(map[string]int),
	}
}

// lock blocks until the caller holds userID's mutex and returns the unlock func.
func (u *userLocks) lock(userID string) func() {
	u.mu.Lock()
	l, ok := u.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		u.locks[userID] = l
	}
	u.lastSeen[userID] = time.Now()
	u.inUse[userID]++
	u.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		u.mu.Lock()
		u.inUse[userID]--
		if u.inUse[userID] <= 0 {
			delete(u.inUse, userID)
		}
		u.mu.Unlock()
	}
}

// count returns the number of tracked users.
func (u *userLocks) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.locks)
}

// cleanupIdle drops mutexes idle longer than ttl. Held mutexes are kept.
func (u *userLocks) cleanupIdle(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	u.mu.Lock()
	defer u.mu.Unlock()
	for userID, t := range u.lastSeen {
		if t.Before(cutoff) && u.inUse[userID] == 0 {
			delete(u.locks, userID)
			delete(u.lastSeen, userID)
		}
	}
}
