package exchange

import (
	"fmt"
	"sync"
)

// Cache is the process-wide client cache, keyed by exchange name. It is
// populated once at startup and read concurrently by agent runs; writes
// after startup are a programming error.
type Cache struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewCache creates an empty client cache.
func NewCache() *Cache {
	return &Cache{clients: make(map[string]Client)}
}

// Register stores a client under an exchange name. Registering the same
// name twice returns an error to keep startup wiring honest.
func (c *Cache) Register(name string, client Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[name]; ok {
		return fmt.Errorf("exchange %q already registered", name)
	}
	c.clients[name] = client
	return nil
}

// Get returns the client for an exchange name.
func (c *Cache) Get(name string) (Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	client, ok := c.clients[name]
	return client, ok
}

// Names returns the registered exchange names.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.clients))
	for name := range c.clients {
		out = append(out, name)
	}
	return out
}
