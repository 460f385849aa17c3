package estuary

import (
	"context"

	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/source"
)

func init() {
	Register("s3db", func(cfg map[string]interface{}) (Driver, error) {
		return newS3DBEndpoint(cfg)
	})
}

// s3dbEndpoint is the same-kind backup driver: it mirrors records into a
// secondary instance of the source store with no schema translation. The
// destination client arrives pre-built under the "client" config key
// because store handles are process-level objects, not DSNs.
type s3dbEndpoint struct {
	client source.Client
}

func newS3DBEndpoint(raw map[string]interface{}) (*s3dbEndpoint, error) {
	client, ok := raw["client"].(source.Client)
	if !ok {
		return nil, &models.ConfigError{
			Field:   "config.client",
			Message: "a destination store client is required",
		}
	}
	return &s3dbEndpoint{client: client}, nil
}

func (e *s3dbEndpoint) Init() error  { return nil }
func (e *s3dbEndpoint) Close() error { return nil }

func (e *s3dbEndpoint) Replicate(ctx context.Context, op Op) error {
	collection := op.Binding.Destination
	// Store errors pass through unclassified; the engine treats them as
	// retriable unless the store says otherwise.
	if op.Operation == "deleted" {
		return e.client.Delete(ctx, collection, op.RecordID)
	}
	return e.client.Upsert(ctx, collection, op.RecordID, op.Record)
}

// EnsureCollections provisions the destination collections up front.
func (e *s3dbEndpoint) EnsureCollections(ctx context.Context, collections []string) error {
	for _, collection := range collections {
		if err := e.client.EnsureCollection(ctx, collection); err != nil {
			return models.Transient("s3db", err)
		}
	}
	return nil
}
