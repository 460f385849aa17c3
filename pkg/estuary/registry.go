package estuary

import (
	"fmt"
	"sort"
	"sync"

	"github.com/riverrun/replicator/pkg/models"
)

// Factory builds a driver from its raw configuration block.
type Factory func(cfg map[string]interface{}) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a driver factory under a kind name. Built-in drivers
// register from init; plugins register before the service starts.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// New builds a driver of the given kind. Unknown kinds are configuration
// errors listing what is available.
func New(kind string, cfg map[string]interface{}) (Driver, error) {
	registryMu.RLock()
	factory, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, &models.ConfigError{
			Field:   "driver",
			Message: fmt.Sprintf("unknown driver %q, available: %v", kind, Kinds()),
		}
	}
	return factory(cfg)
}

// Kinds lists registered driver kinds in sorted order.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
