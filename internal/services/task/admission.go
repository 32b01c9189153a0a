package task

import "sync"

// ownerLocks serializes admission per owner so the active-job count and the
// batch insert happen as one step inside this process. Separate daemons
// sharing a database can still race past the quota.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	sync.Mutex
	refs int
}

// lock blocks until owner's lock is held and returns its release func,
// which may be called more than once.
func (l *ownerLocks) lock(owner string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*ownerLock)
	}
	ol := l.locks[owner]
	if ol == nil {
		ol = &ownerLock{}
		l.locks[owner] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			ol.Unlock()
			l.mu.Lock()
			ol.refs--
			if ol.refs == 0 {
				delete(l.locks, owner)
			}
			l.mu.Unlock()
		})
	}
}

func (l *ownerLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
