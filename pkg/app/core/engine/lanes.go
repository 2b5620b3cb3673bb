package engine

import "sync"

// lanes serializes submit and cancel per asset. Assets never share a lane,
// so different books match in parallel.
type lanes struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLanes() *lanes {
	return &lanes{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the asset's lane and returns its release func
func (l *lanes) lock(assetID string) func() {
	l.mu.Lock()
	m, ok := l.locks[assetID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[assetID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
