package reqs

import (
	"path/filepath"
	"sync"
)

// Cache hands out one shared FileService per base path so concurrent tool
// calls against the same store serialize on the same mutex. Switching the
// active base path drops services for other paths.
type Cache struct {
	mu       sync.Mutex
	active   string
	services map[string]*FileService
}

// NewCache returns an empty service cache.
func NewCache() *Cache {
	return &Cache{services: make(map[string]*FileService)}
}

// Get returns the service for base, creating it on first use. When base
// differs from the previously active path the cache is cleared first, so
// stale stores do not accumulate.
func (c *Cache) Get(base string) (*FileService, error) {
	norm, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		norm = filepath.Clean(base)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != "" && c.active != norm {
		c.services = make(map[string]*FileService)
	}
	c.active = norm

	if svc, ok := c.services[norm]; ok {
		return svc, nil
	}
	svc, err := NewFileService(norm)
	if err != nil {
		return nil, err
	}
	c.services[norm] = svc
	return svc, nil
}

// Clear drops all cached services.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = ""
	c.services = make(map[string]*FileService)
}
