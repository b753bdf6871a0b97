package DS

import (
	"sync"

	"github.com/decentdb/decentdb/internal/log"
)

// Cache is a pin-counted LRU over clean base-file page images. Dirty pages
// never live here: a writer stages its modifications privately in a
// WriteTx and durability comes from the WAL, so eviction policy is not
// safety-critical.
type cacheItem struct {
	key   uint32
	value *Page
	pins  int
	prev  *cacheItem
	next  *cacheItem
}

type Cache struct {
	mu      sync.Mutex
	pages   map[uint32]*cacheItem
	maxSize int
	hits    int
	misses  int
	head    *cacheItem
	tail    *cacheItem
}

func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 100
	}
	c := &Cache{
		pages:   make(map[uint32]*cacheItem),
		maxSize: maxSize,
	}
	c.head = &cacheItem{}
	c.tail = &cacheItem{}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get returns the cached page and pins it. Callers must Unpin when done.
func (c *Cache) Get(pageNum uint32) (*Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.pages[pageNum]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	item.pins++
	c.moveToFront(item)
	return item.value, true
}

// Put inserts a page and pins it. An existing entry is replaced in place.
func (c *Cache) Put(page *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.pages[page.Num]; ok {
		item.value = page
		item.pins++
		c.moveToFront(item)
		return
	}

	if len(c.pages) >= c.maxSize {
		c.evict()
	}

	item := &cacheItem{key: page.Num, value: page, pins: 1}
	c.pages[page.Num] = item
	c.addToFront(item)
}

// Replace swaps in a fresh image for pageNum without pinning, used when a
// checkpoint folds WAL frames into the base file.
func (c *Cache) Replace(page *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.pages[page.Num]; ok {
		item.value = page
	}
}

func (c *Cache) Unpin(pageNum uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.pages[pageNum]; ok && item.pins > 0 {
		item.pins--
	}
}

func (c *Cache) Pins(pageNum uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.pages[pageNum]; ok {
		return item.pins
	}
	return 0
}

func (c *Cache) addToFront(item *cacheItem) {
	item.prev = c.head
	item.next = c.head.next
	c.head.next.prev = item
	c.head.next = item
}

func (c *Cache) removeItem(item *cacheItem) {
	item.prev.next = item.next
	item.next.prev = item.prev
	item.prev = nil
	item.next = nil
}

func (c *Cache) moveToFront(item *cacheItem) {
	c.removeItem(item)
	c.addToFront(item)
}

// evict drops the least recently used unpinned entry. A page with pins > 0
// is never evicted.
func (c *Cache) evict() {
	for item := c.tail.prev; item != c.head; item = item.prev {
		if item.pins == 0 {
			c.removeItem(item)
			delete(c.pages, item.key)
			return
		}
	}
	log.Debug("page cache over capacity with all %d entries pinned", len(c.pages))
}

func (c *Cache) Remove(pageNum uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.pages[pageNum]; ok {
		c.removeItem(item)
		delete(c.pages, pageNum)
	}
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = make(map[uint32]*cacheItem)
	c.head.next = c.tail
	c.tail.prev = c.head
	c.hits = 0
	c.misses = 0
}

func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
