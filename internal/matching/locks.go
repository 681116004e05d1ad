package matching

import "sync"

// MarketLocks hands out one mutex per market. Entries are dropped once no
// goroutine holds or waits on them.
type MarketLocks struct {
	mu    sync.Mutex
	locks map[string]*marketLock
}

type marketLock struct {
	sync.Mutex
	refs int
}

func NewMarketLocks() *MarketLocks {
	return &MarketLocks{locks: make(map[string]*marketLock)}
}

// Lock blocks until the caller holds marketID exclusively and returns the
// func that releases it.
func (l *MarketLocks) Lock(marketID string) func() {
	l.mu.Lock()
	ml, ok := l.locks[marketID]
	if !ok {
		ml = &marketLock{}
		l.locks[marketID] = ml
	}
	ml.refs++
	l.mu.Unlock()

	ml.Lock()
	return func() {
		ml.Unlock()
		l.mu.Lock()
		ml.refs--
		if ml.refs == 0 {
			delete(l.locks, marketID)
		}
		l.mu.Unlock()
	}
}
