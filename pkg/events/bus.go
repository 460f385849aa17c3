package events

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Notification kinds emitted by the engine and the schema synchroniser.
const (
	KindReplicated       = "replicated"
	KindReplicatorError  = "replicator_error"
	KindLogError         = "replicator_log_error"
	KindLogResourceError = "replicator_log_resource_creation_error"
	KindCleanupError     = "replicator_cleanup_error"
	KindTableCreated     = "table_created"
	KindTableAltered     = "table_altered"
	KindTableRecreated   = "table_recreated"
	KindSchemaSyncDone   = "schema_sync_completed"
	KindSchemaSyncFailed = "schema_sync_failed"
	KindConfigWarning    = "configWarning"
)

// Notification is one structured observability record.
type Notification struct {
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// dropped is atomic: Emit runs under the shared read lock, so two
// emitters can hit the same full subscriber concurrently.
type subscriber struct {
	name    string
	ch      chan Notification
	dropped atomic.Int64
}

// Bus fans notifications out to registered subscribers. Emit never blocks;
// a subscriber that cannot keep up has notifications dropped, and the drop
// is logged.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	logger zerolog.Logger
}

// NewBus creates an empty notification bus.
func NewBus() *Bus {
	return &Bus{
		logger: zerolog.New(os.Stderr).With().Timestamp().Str("component", "bus").Logger(),
	}
}

// Subscribe registers a named subscriber with the given channel buffer.
func (b *Bus) Subscribe(name string, buffer int) <-chan Notification {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{name: name, ch: make(chan Notification, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.ch
}

// Emit publishes a notification to all subscribers without blocking.
func (b *Bus) Emit(kind string, fields map[string]interface{}) {
	n := Notification{Kind: kind, Timestamp: time.Now().UTC(), Fields: fields}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- n:
		default:
			b.logger.Warn().
				Str("subscriber", sub.name).
				Str("kind", kind).
				Int64("dropped_total", sub.dropped.Add(1)).
				Msg("subscriber backlog full, notification dropped")
		}
	}
}

// Close closes every subscriber channel. Emit must not be called afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
