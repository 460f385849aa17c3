package estuary

import (
	"errors"
	"testing"

	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/models"
)

func TestClassifyKafka(t *testing.T) {
	assert.Equal(t, models.ClassPermanent,
		models.ClassOf(classifyKafka(sarama.ErrInvalidTopic)))
	assert.Equal(t, models.ClassPermanent,
		models.ClassOf(classifyKafka(sarama.ErrMessageSizeTooLarge)))
	assert.Equal(t, models.ClassTransient,
		models.ClassOf(classifyKafka(sarama.ErrNotLeaderForPartition)))
	assert.Equal(t, models.ClassTransient,
		models.ClassOf(classifyKafka(errors.New("broker unreachable"))))
}

func TestClassifyMongo(t *testing.T) {
	retryable := mongo.CommandError{Code: 91, Labels: []string{"RetryableWriteError"}}
	assert.Equal(t, models.ClassTransient, models.ClassOf(classifyMongo(retryable)))

	duplicate := mongo.CommandError{Code: 11000}
	assert.Equal(t, models.ClassPermanent, models.ClassOf(classifyMongo(duplicate)))

	assert.Equal(t, models.ClassPermanent,
		models.ClassOf(classifyMongo(errors.New("document validation failed"))))
	assert.NoError(t, classifyMongo(nil))
}

func TestMongoDocID(t *testing.T) {
	native := queueOp("updated", events.Record{"_id": 42, "name": "ada"})
	assert.Equal(t, 42, docID(native))

	plain := queueOp("updated", events.Record{"name": "ada"})
	assert.Equal(t, "o1", docID(plain))

	del := queueOp("deleted", nil)
	assert.Equal(t, "o1", docID(del))
}

func TestMongoConfigValidation(t *testing.T) {
	var cfgErr *models.ConfigError
	_, err := newMongoEndpoint(map[string]interface{}{"database": "d"})
	require.True(t, errors.As(err, &cfgErr))

	_, err = newMongoEndpoint(map[string]interface{}{"uri": "mongodb://localhost"})
	require.True(t, errors.As(err, &cfgErr))
}

func TestKafkaConfigAndRouting(t *testing.T) {
	var cfgErr *models.ConfigError
	_, err := newKafkaEndpoint(map[string]interface{}{})
	require.True(t, errors.As(err, &cfgErr))

	_, err = newKafkaEndpoint(map[string]interface{}{"brokers": []interface{}{"b:9092"}})
	require.True(t, errors.As(err, &cfgErr), "a topic or resource topics must be set")

	e, err := newKafkaEndpoint(map[string]interface{}{
		"brokers":        []interface{}{"b:9092"},
		"topic":          "mutations",
		"resourceTopics": map[string]interface{}{"orders": "orders-out"},
	})
	require.NoError(t, err)
	assert.Equal(t, "orders-out", e.topicFor("orders"))
	assert.Equal(t, "mutations", e.topicFor("users"))
}

func TestKafkaMessageKeyedByRecordID(t *testing.T) {
	e, err := newKafkaEndpoint(map[string]interface{}{
		"brokers": []interface{}{"b:9092"}, "topic": "mutations",
	})
	require.NoError(t, err)

	msg, err := e.message(queueOp("inserted", events.Record{"n": 1}))
	require.NoError(t, err)
	assert.Equal(t, "mutations", msg.Topic)
	assert.Equal(t, sarama.StringEncoder("o1"), msg.Key)
}

func TestRegistryKnowsBuiltinDrivers(t *testing.T) {
	kinds := Kinds()
	for _, kind := range []string{
		"postgresql", "mysql", "mariadb", "planetscale", "turso", "s3db",
		"bigquery", "dynamodb", "mongodb", "sqs", "webhook", "kafka", "elasticsearch",
	} {
		assert.Contains(t, kinds, kind)
	}

	_, err := New("definitely-not-registered", nil)
	var cfgErr *models.ConfigError
	require.True(t, errors.As(err, &cfgErr))
}
