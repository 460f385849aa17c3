package estuary

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/models"
)

func init() {
	Register("mongodb", func(cfg map[string]interface{}) (Driver, error) {
		return newMongoEndpoint(cfg)
	})
}

type mongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type mongoEndpoint struct {
	cfg    mongoConfig
	client *mongo.Client
	db     *mongo.Database
}

func newMongoEndpoint(raw map[string]interface{}) (*mongoEndpoint, error) {
	var cfg mongoConfig
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, &models.ConfigError{Field: "config", Message: err.Error()}
	}
	if cfg.URI == "" {
		return nil, &models.ConfigError{Field: "config.uri", Message: "uri is required"}
	}
	if cfg.Database == "" {
		return nil, &models.ConfigError{Field: "config.database", Message: "database is required"}
	}
	return &mongoEndpoint{cfg: cfg}, nil
}

func (e *mongoEndpoint) Init() error {
	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(e.cfg.URI))
	if err != nil {
		return classifyMongo(err)
	}
	e.client = client
	e.db = client.Database(e.cfg.Database)
	return nil
}

func (e *mongoEndpoint) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Disconnect(context.Background())
}

// docID keeps a native _id verbatim; otherwise the record id stands in.
func docID(op Op) interface{} {
	if op.Record != nil {
		if id, ok := op.Record["_id"]; ok {
			return id
		}
	}
	return op.RecordID
}

func (e *mongoEndpoint) Replicate(ctx context.Context, op Op) error {
	coll := e.db.Collection(op.Binding.Destination)
	filter := bson.M{"_id": docID(op)}

	switch op.Operation {
	case "deleted":
		_, err := coll.DeleteOne(ctx, filter)
		return classifyMongo(err)
	default:
		doc := bson.M{}
		for name, v := range op.Record {
			if name == "_id" {
				continue
			}
			doc[name] = v
		}
		_, err := coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
		return classifyMongo(err)
	}
}

// ReplicateBatch issues one ordered bulk write per collection so per-key
// order within the batch is preserved.
func (e *mongoEndpoint) ReplicateBatch(ctx context.Context, ops []Op) error {
	perColl := make(map[string][]mongo.WriteModel)
	for _, op := range ops {
		filter := bson.M{"_id": docID(op)}
		var model mongo.WriteModel
		if op.Operation == "deleted" {
			model = mongo.NewDeleteOneModel().SetFilter(filter)
		} else {
			doc := bson.M{}
			for name, v := range op.Record {
				if name == "_id" {
					continue
				}
				doc[name] = v
			}
			model = mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(doc).SetUpsert(true)
		}
		perColl[op.Binding.Destination] = append(perColl[op.Binding.Destination], model)
	}

	ordered := true
	for coll, writes := range perColl {
		_, err := e.db.Collection(coll).BulkWrite(ctx, writes, &options.BulkWriteOptions{Ordered: &ordered})
		if err != nil {
			return classifyMongo(err)
		}
	}
	return nil
}

func classifyMongo(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return models.Transient("mongodb", err)
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		// Server-side retryable classes: shutdown, not-primary, write
		// concern timeouts.
		if cmdErr.HasErrorLabel("RetryableWriteError") || cmdErr.HasErrorLabel("TransientTransactionError") {
			return models.Transient("mongodb", err)
		}
		return models.Permanent("mongodb", err)
	}
	return models.Permanent("mongodb", err)
}
