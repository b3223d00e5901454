package ranker

import (
	"sync"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/models"
)

// ModelCache holds the currently-active learned model artifact in memory,
// adapted from the teacher's pkg/cache/valkey_cache.go map+mutex+TTL
// pattern. Ranker.LoadModel installs an artifact through Set; nothing here
// re-reads the artifact file, so a newly trained artifact is picked up only
// by a further LoadModel call (the engine makes one, at startup).
type ModelCache struct {
	mu        sync.RWMutex
	artifact  *models.ModelArtifact
	expiresAt time.Time
	ttl       time.Duration
}

// NewModelCache constructs an empty cache with the given refresh TTL. A
// zero or negative ttl disables expiry (the artifact never goes stale on
// its own; only Set replaces it).
func NewModelCache(ttl time.Duration) *ModelCache {
	return &ModelCache{ttl: ttl}
}

// Get returns the cached artifact and whether it is still considered
// fresh. A stale-but-present artifact is still returned (callers decide
// whether to keep serving it while a reload is attempted) with ok=false.
func (c *ModelCache) Get() (artifact models.ModelArtifact, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.artifact == nil {
		return models.ModelArtifact{}, false
	}
	fresh := c.ttl <= 0 || time.Now().Before(c.expiresAt)
	return *c.artifact, fresh
}

// Set replaces the cached artifact and resets its freshness window.
func (c *ModelCache) Set(artifact models.ModelArtifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := artifact
	c.artifact = &a
	if c.ttl > 0 {
		c.expiresAt = time.Now().Add(c.ttl)
	}
}

// Clear drops the cached artifact, forcing callers back to heuristic
// scoring until the next successful Set.
func (c *ModelCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifact = nil
}
