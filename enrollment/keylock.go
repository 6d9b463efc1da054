package enrollment

import (
	"context"
	"sync"
)

// keyLock is a per-listing mutex. Entries are reference counted and
// dropped once nobody holds or waits for them, so the map only ever holds
// listings with in-flight operations.
type keyLock struct {
	mu      sync.Mutex
	entries map[ListingID]*keyEntry
}

type keyEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{entries: make(map[ListingID]*keyEntry)}
}

// Lock blocks until the listing's lock is held or ctx is done.
func (k *keyLock) Lock(ctx context.Context, id ListingID) (unlock func(), err error) {
	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &keyEntry{sem: make(chan struct{}, 1)}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(id, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(id, e)
		})
	}, nil
}

func (k *keyLock) release(id ListingID, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, id)
	}
}

// held returns the number of listings with a live entry.
func (k *keyLock) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
