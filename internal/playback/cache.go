package playback

import (
	"container/list"
	"sync"

	"github.com/example/volley-sync/internal/types"
)

type cacheKey struct {
	Tournament types.TournamentID
	Version    int64
}

type cacheItem struct {
	key cacheKey
	doc types.VersionedDocument
}

// stateCache is a small LRU of historic documents. Historic versions never
// change, so entries need no invalidation.
type stateCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	return &stateCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

func (c *stateCache) Get(id types.TournamentID, version int64) (types.VersionedDocument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[cacheKey{Tournament: id, Version: version}]
	if !ok {
		return types.VersionedDocument{}, false
	}
	c.ll.MoveToFront(element)
	return element.Value.(cacheItem).doc.Clone(), true
}

func (c *stateCache) Put(id types.TournamentID, doc types.VersionedDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{Tournament: id, Version: doc.Version}
	if element, ok := c.items[key]; ok {
		element.Value = cacheItem{key: key, doc: doc.Clone()}
		c.ll.MoveToFront(element)
		return
	}

	c.items[key] = c.ll.PushFront(cacheItem{key: key, doc: doc.Clone()})

	if c.ll.Len() > c.capacity {
		if last := c.ll.Back(); last != nil {
			c.ll.Remove(last)
			delete(c.items, last.Value.(cacheItem).key)
		}
	}
}

func (c *stateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
