package gossip

// SeenCache remembers the most recent message ids. Once full, the oldest id is evicted, after which a
// copy of that message arriving again would be treated as new.
type SeenCache struct {
	ring []MessageID
	next int
	size int
	set  map[MessageID]struct{}
}

func NewSeenCache(capacity int) *SeenCache {
	if capacity < 1 {
		capacity = 1
	}
	return &SeenCache{
		ring: make([]MessageID, capacity),
		set:  make(map[MessageID]struct{}, capacity),
	}
}

// Add marks id as seen and reports whether it was new.
func (c *SeenCache) Add(id MessageID) bool {
	if _, ok := c.set[id]; ok {
		return false
	}

	if c.size == len(c.ring) {
		delete(c.set, c.ring[c.next])
	} else {
		c.size++
	}
	c.ring[c.next] = id
	c.next = (c.next + 1) % len(c.ring)
	c.set[id] = struct{}{}
	return true
}

func (c *SeenCache) Contains(id MessageID) bool {
	_, ok := c.set[id]
	return ok
}

func (c *SeenCache) Len() int {
	return c.size
}

func (c *SeenCache) Cap() int {
	return len(c.ring)
}
