package dataset

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-srnet/vision/preprocessing"
)

// CacheManager is an LRU cache of decoded images keyed by file path.
// Cached images are shared and must be treated as read-only.
type CacheManager struct {
	mu          sync.Mutex
	cache       map[string]*preprocessing.Image
	lru         *list.List
	lruMap      map[string]*list.Element
	maxSize     int
	currentSize int

	hits   int64
	misses int64
}

func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[string]*preprocessing.Image),
		lru:     list.New(),
		lruMap:  make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

func (cm *CacheManager) Get(key string) (*preprocessing.Image, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if img, exists := cm.cache[key]; exists {
		if elem, ok := cm.lruMap[key]; ok {
			cm.lru.MoveToFront(elem)
		}
		cm.hits++
		return img, true
	}

	cm.misses++
	return nil, false
}

func (cm *CacheManager) Put(key string, img *preprocessing.Image) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.maxSize <= 0 {
		return
	}
	if _, exists := cm.cache[key]; exists {
		if elem, ok := cm.lruMap[key]; ok {
			cm.lru.MoveToFront(elem)
		}
		return
	}

	elem := cm.lru.PushFront(key)
	cm.lruMap[key] = elem
	cm.cache[key] = img
	cm.currentSize++

	for cm.currentSize > cm.maxSize && cm.lru.Len() > 0 {
		cm.removeElement(cm.lru.Back())
	}
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	key := elem.Value.(string)
	cm.lru.Remove(elem)
	delete(cm.lruMap, key)
	delete(cm.cache, key)
	cm.currentSize--
}

func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return CacheStats{
		Size:    cm.currentSize,
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
		HitRate: cm.calculateHitRate(),
	}
}

func (cm *CacheManager) calculateHitRate() float64 {
	total := cm.hits + cm.misses
	if total == 0 {
		return 0
	}
	return float64(cm.hits) / float64(total) * 100
}

// Clear drops every entry. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[string]*preprocessing.Image)
	cm.lru = list.New()
	cm.lruMap = make(map[string]*list.Element)
	cm.currentSize = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
