package estuary

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/mapping"
	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/schema"
)

func bqOp(operation string, record events.Record) Op {
	return Op{
		Binding:   &mapping.Binding{Source: "orders", Destination: "orders"},
		Operation: operation,
		RecordID:  "o1",
		Record:    record,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBigQueryConfigValidation(t *testing.T) {
	var cfgErr *models.ConfigError

	_, err := newBigQueryEndpoint(map[string]interface{}{"dataset": "d"})
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "config.projectId", cfgErr.Field)

	_, err = newBigQueryEndpoint(map[string]interface{}{"projectId": "p"})
	require.True(t, errors.As(err, &cfgErr))

	_, err = newBigQueryEndpoint(map[string]interface{}{
		"projectId": "p", "dataset": "d", "mutability": "frozen",
	})
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "config.mutability", cfgErr.Field)
}

func TestBigQueryModeDefaultsAndOverrides(t *testing.T) {
	e, err := newBigQueryEndpoint(map[string]interface{}{
		"projectId": "p", "dataset": "d",
		"resourceMutability": map[string]interface{}{"audit": schema.ModeImmutable},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.ModeAppendOnly, e.mode("orders"))
	assert.Equal(t, schema.ModeImmutable, e.mode("audit"))
}

func TestTrackedRowAppendOnlyInsert(t *testing.T) {
	e, err := newBigQueryEndpoint(map[string]interface{}{"projectId": "p", "dataset": "d"})
	require.NoError(t, err)

	row, err := e.trackedRow(context.Background(), bqOp("inserted", events.Record{"total": 42}), false)
	require.NoError(t, err)

	values, insertID, saveErr := row.Save()
	require.NoError(t, saveErr)
	assert.Empty(t, insertID)
	assert.Equal(t, "o1", values["id"])
	assert.Equal(t, "inserted", values["_operation_type"])
	assert.EqualValues(t, 42, values["total"])
	assert.NotNil(t, values["_operation_timestamp"])
	_, hasVersion := values["_version"]
	assert.False(t, hasVersion)
}

func TestTrackedRowDeleteCarriesNoData(t *testing.T) {
	e, err := newBigQueryEndpoint(map[string]interface{}{"projectId": "p", "dataset": "d"})
	require.NoError(t, err)

	row, err := e.trackedRow(context.Background(), bqOp("deleted", events.Record{"total": 42}), false)
	require.NoError(t, err)

	values, _, _ := row.Save()
	assert.Equal(t, "deleted", values["_operation_type"])
	_, hasTotal := values["total"]
	assert.False(t, hasTotal, "deletes must not carry the data payload")
	_, hasCreated := values["created_at"]
	assert.False(t, hasCreated)
}

func TestTrackedRowImmutableVersions(t *testing.T) {
	e, err := newBigQueryEndpoint(map[string]interface{}{
		"projectId": "p", "dataset": "d", "mutability": schema.ModeImmutable,
	})
	require.NoError(t, err)
	// Prime the version cache so no query runs.
	e.versions["orders|o1"] = 3

	row, err := e.trackedRow(context.Background(), bqOp("updated", events.Record{"total": 1}), true)
	require.NoError(t, err)
	values, _, _ := row.Save()
	assert.EqualValues(t, 4, values["_version"])
	assert.Equal(t, false, values["_is_deleted"])

	del, err := e.trackedRow(context.Background(), bqOp("deleted", nil), true)
	require.NoError(t, err)
	values, _, _ = del.Save()
	assert.EqualValues(t, 5, values["_version"])
	assert.Equal(t, true, values["_is_deleted"])
}

func TestBigQueryExtraColumnsFollowMode(t *testing.T) {
	e, err := newBigQueryEndpoint(map[string]interface{}{
		"projectId": "p", "dataset": "d", "mutability": schema.ModeMutable,
	})
	require.NoError(t, err)
	assert.Nil(t, e.ExtraColumns())

	e, err = newBigQueryEndpoint(map[string]interface{}{"projectId": "p", "dataset": "d"})
	require.NoError(t, err)
	assert.Len(t, e.ExtraColumns(), 2)
	assert.Equal(t, schema.DialectBigQuery, e.Dialect())
}

func TestBQValueEncodesNested(t *testing.T) {
	assert.Equal(t, bigquery.Value("x"), bqValue("x"))
	encoded, ok := bqValue(map[string]interface{}{"a": 1}).(string)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, encoded)
}

func TestClassifyBigQuery(t *testing.T) {
	assert.Equal(t, models.ClassTransient,
		models.ClassOf(classifyBigQuery(&googleapi.Error{Code: 503})))
	assert.Equal(t, models.ClassTransient,
		models.ClassOf(classifyBigQuery(&googleapi.Error{Code: 429})))
	assert.Equal(t, models.ClassPermanent,
		models.ClassOf(classifyBigQuery(&googleapi.Error{Code: 400})))
	assert.Equal(t, models.ClassTransient,
		models.ClassOf(classifyBigQuery(errors.New("dial tcp: timeout"))))
	assert.Equal(t, models.ClassCancelled, models.ClassOf(classifyBigQuery(context.Canceled)))
}

func TestBQFieldTypeMapping(t *testing.T) {
	assert.Equal(t, bigquery.StringFieldType, bqFieldType("STRING"))
	assert.Equal(t, bigquery.IntegerFieldType, bqFieldType("INT64"))
	assert.Equal(t, bigquery.JSONFieldType, bqFieldType("JSON"))
	assert.Equal(t, bigquery.StringFieldType, bqFieldType("GEOGRAPHY"))
}

func TestIsStreamingBufferErr(t *testing.T) {
	assert.True(t, isStreamingBufferErr(errors.New(
		"UPDATE or DELETE statement over table would affect rows in the streaming buffer")))
	assert.False(t, isStreamingBufferErr(errors.New("permission denied")))
	assert.False(t, isStreamingBufferErr(nil))
}
