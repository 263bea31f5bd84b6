package engine

import (
	"context"
	"sync"
)

// instanceLocks serializes step execution per instance. Entries are
// reference counted and dropped when nobody holds or waits for them.
type instanceLocks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{m: make(map[string]*lockEntry)}
}

// acquire blocks until the instance lock is held or ctx is done.
func (l *instanceLocks) acquire(ctx context.Context, instanceID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.m[instanceID]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.m[instanceID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(instanceID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(instanceID, e)
		})
	}, nil
}

func (l *instanceLocks) release(instanceID string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, instanceID)
	}
}

func (l *instanceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
