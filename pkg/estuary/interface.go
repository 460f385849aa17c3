package estuary

import (
	"context"
	"time"

	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/mapping"
	"github.com/riverrun/replicator/pkg/schema"
)

// Op is one mutation handed to a driver after mapping, filtering and
// transformation have already been applied. Before is nil except on
// updates from sources that capture prior images.
type Op struct {
	Binding   *mapping.Binding
	Operation string
	RecordID  string
	Record    events.Record
	Before    events.Record
	Timestamp time.Time
}

// Driver writes mutations to one destination. Implementations classify
// their own failures: transient errors are retried by the caller,
// permanent ones are not. Replicate is safe for concurrent use across
// distinct record ids; the caller never issues two concurrent calls for
// the same (binding, record id) pair.
type Driver interface {
	Init() error
	Replicate(ctx context.Context, op Op) error
	Close() error
}

// BatchReplicator is the optional batch capability. A failed batch is
// retried per-item by the caller, so implementations need not be atomic.
type BatchReplicator interface {
	ReplicateBatch(ctx context.Context, ops []Op) error
}

// SupportsBatch probes the batch capability.
func SupportsBatch(d Driver) (BatchReplicator, bool) {
	b, ok := d.(BatchReplicator)
	return b, ok
}

// SupportsSchemaSync probes the schema capability.
func SupportsSchemaSync(d Driver) (schema.Syncer, bool) {
	s, ok := d.(schema.Syncer)
	return s, ok
}
