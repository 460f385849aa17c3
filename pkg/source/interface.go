package source

import (
	"context"

	"github.com/riverrun/replicator/pkg/events"
)

// Store is the upstream document store the engine replicates from. The
// store itself (serialization, encryption, object-storage backend) lives
// outside this module; the engine consumes these three surfaces only.
type Store interface {
	// Events returns the async channel of source mutations. The channel is
	// closed when the store shuts down.
	Events() <-chan events.MutationEvent

	// Attributes returns the attribute declarations of a resource, keyed by
	// attribute name (e.g. "email" -> "string|maxlength:255").
	Attributes(ctx context.Context, resource string) (map[string]string, error)

	// Enumerate walks every record of a resource. Used only by manual sync.
	Enumerate(ctx context.Context, resource string, fn func(id string, record events.Record) error) error
}

// Client is a writable handle into a document store instance. It backs the
// same-kind backup driver and the replication log collection.
type Client interface {
	EnsureCollection(ctx context.Context, collection string) error
	Upsert(ctx context.Context, collection, id string, record events.Record) error
	Delete(ctx context.Context, collection, id string) error
}
