package forest

import lru "github.com/hashicorp/golang-lru"

// NodeCache remembers nodes that have been stored to or loaded from a
// Persist, keyed by digest. Flush uses it to avoid re-storing nodes and
// Load to avoid re-fetching them, so care should be taken to switch the
// NodeCache when the Persist is changed.
type NodeCache interface {
	// Add records a freshly-persisted node's NodeData.
	Add(key, value interface{})
	// Contains indicates the node with the given digest has already been persisted.
	Contains(key interface{}) bool
	// Get retrieves the NodeData with the given digest, if cached.
	Get(key interface{}) (value interface{}, ok bool)
}

// NewNodeCache creates a new LRU-based node cache of the given size. One cache
// can be shared by any number of forests using the same Persist.
func NewNodeCache(size int) NodeCache {
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return cache
}
