package orderbook

import (
	"sort"
	"sync"
)

// Registry owns one OrderBook per asset.
// Books are created on first use; an asset never loses its book.
type Registry struct {
	mu    sync.RWMutex
	books map[string]*OrderBook // assetID -> book
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		books: make(map[string]*OrderBook),
	}
}

// Book returns the asset's book, creating it if needed
func (r *Registry) Book(assetID string) *OrderBook {
	r.mu.RLock()
	ob, ok := r.books[assetID]
	r.mu.RUnlock()
	if ok {
		return ob
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ob, ok := r.books[assetID]; ok {
		return ob
	}
	ob = NewOrderBook(assetID)
	r.books[assetID] = ob
	return ob
}

// Lookup returns the asset's book without creating one
func (r *Registry) Lookup(assetID string) (*OrderBook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ob, ok := r.books[assetID]
	return ob, ok
}

// Assets returns the ids of every asset with a book, sorted
func (r *Registry) Assets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	assets := make([]string, 0, len(r.books))
	for id := range r.books {
		assets = append(assets, id)
	}
	sort.Strings(assets)
	return assets
}
