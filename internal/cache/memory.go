package cache

import (
	"container/list"
	"sync"
)

// memoryTier is a count-bounded LRU. The mutex only guards LRU order;
// the Cache lock serializes logical writers.
type memoryTier struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[string]*list.Element
}

type memoryItem struct {
	key   string
	entry Entry
}

func newMemoryTier(max int) *memoryTier {
	return &memoryTier{max: max, order: list.New(), items: map[string]*list.Element{}}
}

func (m *memoryTier) get(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return Entry{}, false
	}
	m.order.MoveToFront(el)
	return el.Value.(*memoryItem).entry, true
}

func (m *memoryTier) peek(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(*memoryItem).entry, true
}

// put stores entry and returns how many least-recently-used items were evicted.
func (m *memoryTier) put(key string, entry Entry) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		el.Value.(*memoryItem).entry = entry
		m.order.MoveToFront(el)
		return 0
	}
	m.items[key] = m.order.PushFront(&memoryItem{key: key, entry: entry})
	evicted := 0
	for m.max > 0 && m.order.Len() > m.max {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.items, oldest.Value.(*memoryItem).key)
		evicted++
	}
	return evicted
}

func (m *memoryTier) remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return false
	}
	m.order.Remove(el)
	delete(m.items, key)
	return true
}

func (m *memoryTier) removeIf(match func(key string, entry Entry) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		item := el.Value.(*memoryItem)
		if match(item.key, item.entry) {
			m.order.Remove(el)
			delete(m.items, item.key)
			removed++
		}
		el = next
	}
	return removed
}

func (m *memoryTier) clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.order.Len()
	m.order.Init()
	m.items = map[string]*list.Element{}
	return n
}

func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
