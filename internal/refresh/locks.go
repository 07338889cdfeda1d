package refresh

import (
	"context"
	"sync"
)

// urlLocks hands out one mutex per product url. Entries are dropped once no
// caller holds or waits on them.
type urlLocks struct {
	mu    sync.Mutex
	locks map[string]*urlLock
}

type urlLock struct {
	sem  chan struct{}
	refs int
}

func newURLLocks() *urlLocks {
	return &urlLocks{locks: make(map[string]*urlLock)}
}

// acquire blocks until url is free or ctx is done. The returned func
// releases the lock.
func (l *urlLocks) acquire(ctx context.Context, url string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[url]
	if !ok {
		e = &urlLock{sem: make(chan struct{}, 1)}
		l.locks[url] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			l.release(url, e)
		}, nil
	case <-ctx.Done():
		l.release(url, e)
		return nil, ctx.Err()
	}
}

func (l *urlLocks) release(url string, e *urlLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, url)
	}
}

func (l *urlLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
