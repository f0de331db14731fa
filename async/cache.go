package async

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-layergan/checkpoints"
)

// FileCache keeps decoded tensor files in memory, evicting the least
// recently used file once the cached values exceed the budget. It is shared
// between sources reading the same directory.
type FileCache struct {
	mu        sync.Mutex
	records   map[string]*list.Element
	lru       *list.List
	maxValues int
	values    int

	hits   int64
	misses int64
}

type cacheEntry struct {
	path   string
	record checkpoints.TensorRecord
}

// NewFileCache creates a cache holding at most maxValues float64 values.
func NewFileCache(maxValues int) *FileCache {
	return &FileCache{
		records:   make(map[string]*list.Element),
		lru:       list.New(),
		maxValues: maxValues,
	}
}

// Load returns the record at path, reading it on a miss.
func (fc *FileCache) Load(path string) (checkpoints.TensorRecord, error) {
	if rec, ok := fc.get(path); ok {
		return rec, nil
	}
	rec, err := checkpoints.ReadTensorFile(path)
	if err != nil {
		return checkpoints.TensorRecord{}, err
	}
	fc.put(path, rec)
	return rec, nil
}

func (fc *FileCache) get(path string) (checkpoints.TensorRecord, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if elem, ok := fc.records[path]; ok {
		fc.lru.MoveToFront(elem)
		fc.hits++
		return elem.Value.(*cacheEntry).record, true
	}
	fc.misses++
	return checkpoints.TensorRecord{}, false
}

func (fc *FileCache) put(path string, rec checkpoints.TensorRecord) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if _, ok := fc.records[path]; ok || len(rec.Data) > fc.maxValues {
		return
	}
	fc.records[path] = fc.lru.PushFront(&cacheEntry{path: path, record: rec})
	fc.values += len(rec.Data)

	for fc.values > fc.maxValues && fc.lru.Len() > 0 {
		fc.remove(fc.lru.Back())
	}
}

func (fc *FileCache) remove(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	fc.lru.Remove(elem)
	delete(fc.records, entry.path)
	fc.values -= len(entry.record.Data)
}

// Stats returns cache statistics
func (fc *FileCache) Stats() CacheStats {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	stats := CacheStats{
		Files:     fc.lru.Len(),
		Values:    fc.values,
		MaxValues: fc.maxValues,
		Hits:      fc.hits,
		Misses:    fc.misses,
	}
	if total := fc.hits + fc.misses; total > 0 {
		stats.HitRate = float64(fc.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Files     int
	Values    int
	MaxValues int
	Hits      int64
	Misses    int64
	HitRate   float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d files, %d/%d values, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Files, cs.Values, cs.MaxValues, cs.Hits, cs.Misses, cs.HitRate)
}
