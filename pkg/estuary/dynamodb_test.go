package estuary

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/models"
)

func TestDynamoKeyDefaults(t *testing.T) {
	e, err := newDynamoEndpoint(map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "id", e.cfg.PartitionKey)

	key, err := e.key(queueOp("inserted", events.Record{"n": 1}))
	require.NoError(t, err)
	pk, ok := key["id"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "o1", pk.Value)
}

func TestDynamoSortKeyFromRecord(t *testing.T) {
	e, err := newDynamoEndpoint(map[string]interface{}{"sortKey": "tenant"})
	require.NoError(t, err)

	key, err := e.key(queueOp("updated", events.Record{"tenant": "acme"}))
	require.NoError(t, err)
	sk, ok := key["tenant"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "acme", sk.Value)

	// Deletes have no after-image; the sort key comes from the before data.
	del := queueOp("deleted", nil)
	del.Before = events.Record{"tenant": "acme"}
	_, err = e.key(del)
	assert.NoError(t, err)

	_, err = e.key(queueOp("updated", events.Record{}))
	require.Error(t, err)
	assert.Equal(t, models.ClassPermanent, models.ClassOf(err))
}

func TestDynamoItemCarriesPartitionKey(t *testing.T) {
	e, err := newDynamoEndpoint(map[string]interface{}{})
	require.NoError(t, err)

	item, err := e.item(queueOp("inserted", events.Record{"name": "ada"}))
	require.NoError(t, err)
	pk, ok := item["id"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "o1", pk.Value)
	_, hasName := item["name"]
	assert.True(t, hasName)
}
