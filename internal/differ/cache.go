package differ

import (
	"sync"

	"github.com/camsys/gtfs-realtime/internal/gtfsrt"
	"github.com/camsys/gtfs-realtime/internal/model"
)

type cacheKey struct {
	ConfigurationID int64
	Kind            model.FeedKind
}

// Cache holds the last processed snapshot per (configuration, kind) for
// the lifetime of the process. It is not authoritative: with an empty
// cache the next pass is a full insert, which is always correct.
type Cache struct {
	mu    sync.Mutex
	snaps map[cacheKey]*gtfsrt.Snapshot
}

// NewCache returns an empty snapshot cache.
func NewCache() *Cache {
	return &Cache{snaps: make(map[cacheKey]*gtfsrt.Snapshot)}
}

// Get returns the cached snapshot, or nil if none has been processed.
func (c *Cache) Get(configurationID int64, kind model.FeedKind) *gtfsrt.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snaps[cacheKey{configurationID, kind}]
}

// Put records snap as the new baseline for the next differencing pass.
func (c *Cache) Put(configurationID int64, kind model.FeedKind, snap *gtfsrt.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[cacheKey{configurationID, kind}] = snap
}

// Forget drops the baseline, forcing a full insert on the next pass.
func (c *Cache) Forget(configurationID int64, kind model.FeedKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, cacheKey{configurationID, kind})
}
