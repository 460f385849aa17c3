package estuary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/pquerna/ffjson/ffjson"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/schema"
)

func init() {
	Register("bigquery", func(cfg map[string]interface{}) (Driver, error) {
		return newBigQueryEndpoint(cfg)
	})
}

// Streaming-buffer contention on UPDATE/DELETE clears on its own once the
// buffer flushes; these two knobs bound how long we wait for that.
const (
	streamingBufferDelay   = 30 * time.Second
	streamingBufferRetries = 2
)

type bigQueryConfig struct {
	ProjectID       string            `mapstructure:"projectId"`
	Dataset         string            `mapstructure:"dataset"`
	CredentialsFile string            `mapstructure:"credentialsFile"`
	Mutability      string            `mapstructure:"mutability"`
	ResourceModes   map[string]string `mapstructure:"resourceMutability"`
}

// bigQueryEndpoint writes to a dataset under one of three mutability
// modes. Append-only and immutable never issue UPDATE or DELETE; mutable
// does and absorbs the streaming-buffer window with a fixed-delay retry.
type bigQueryEndpoint struct {
	cfg    bigQueryConfig
	client *bigquery.Client

	versionMu sync.Mutex
	versions  map[string]int64 // table|recordId -> last assigned _version
}

func newBigQueryEndpoint(raw map[string]interface{}) (*bigQueryEndpoint, error) {
	var cfg bigQueryConfig
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, &models.ConfigError{Field: "config", Message: err.Error()}
	}
	if cfg.ProjectID == "" {
		return nil, &models.ConfigError{Field: "config.projectId", Message: "projectId is required"}
	}
	if cfg.Dataset == "" {
		return nil, &models.ConfigError{Field: "config.dataset", Message: "dataset is required"}
	}
	if cfg.Mutability == "" {
		cfg.Mutability = schema.ModeAppendOnly
	}
	switch cfg.Mutability {
	case schema.ModeAppendOnly, schema.ModeMutable, schema.ModeImmutable:
	default:
		return nil, &models.ConfigError{
			Field:   "config.mutability",
			Message: fmt.Sprintf("unknown mode %q", cfg.Mutability),
		}
	}
	return &bigQueryEndpoint{cfg: cfg, versions: make(map[string]int64)}, nil
}

func (e *bigQueryEndpoint) Init() error {
	var opts []option.ClientOption
	if e.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(e.cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(context.Background(), e.cfg.ProjectID, opts...)
	if err != nil {
		return classifyBigQuery(err)
	}
	e.client = client
	return nil
}

func (e *bigQueryEndpoint) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (e *bigQueryEndpoint) mode(resource string) string {
	if m, ok := e.cfg.ResourceModes[resource]; ok {
		return m
	}
	return e.cfg.Mutability
}

func (e *bigQueryEndpoint) Replicate(ctx context.Context, op Op) error {
	switch e.mode(op.Binding.Source) {
	case schema.ModeMutable:
		return e.replicateMutable(ctx, op)
	case schema.ModeImmutable:
		return e.insertTracked(ctx, op, true)
	default:
		return e.insertTracked(ctx, op, false)
	}
}

// ReplicateBatch groups rows per table and streams each group in one Put.
// Mutable-mode ops are replayed one by one.
func (e *bigQueryEndpoint) ReplicateBatch(ctx context.Context, ops []Op) error {
	perTable := make(map[string][]*bqRow)
	for _, op := range ops {
		switch e.mode(op.Binding.Source) {
		case schema.ModeMutable:
			if err := e.replicateMutable(ctx, op); err != nil {
				return err
			}
		case schema.ModeImmutable:
			row, err := e.trackedRow(ctx, op, true)
			if err != nil {
				return err
			}
			perTable[op.Binding.Destination] = append(perTable[op.Binding.Destination], row)
		default:
			row, err := e.trackedRow(ctx, op, false)
			if err != nil {
				return err
			}
			perTable[op.Binding.Destination] = append(perTable[op.Binding.Destination], row)
		}
	}
	for table, rows := range perTable {
		inserter := e.client.Dataset(e.cfg.Dataset).Table(table).Inserter()
		if err := inserter.Put(ctx, rows); err != nil {
			return classifyBigQuery(err)
		}
	}
	return nil
}

// insertTracked turns every operation into an INSERT carrying tracking
// columns. Deletes carry no data payload.
func (e *bigQueryEndpoint) insertTracked(ctx context.Context, op Op, versioned bool) error {
	row, err := e.trackedRow(ctx, op, versioned)
	if err != nil {
		return err
	}
	inserter := e.client.Dataset(e.cfg.Dataset).Table(op.Binding.Destination).Inserter()
	if err := inserter.Put(ctx, row); err != nil {
		return classifyBigQuery(err)
	}
	return nil
}

func (e *bigQueryEndpoint) trackedRow(ctx context.Context, op Op, versioned bool) (*bqRow, error) {
	values := map[string]bigquery.Value{
		"id":                   op.RecordID,
		"_operation_type":      op.Operation,
		"_operation_timestamp": op.Timestamp.UTC(),
	}
	if op.Operation != "deleted" {
		for name, v := range op.Record {
			if name == "id" {
				continue
			}
			values[name] = bqValue(v)
		}
		values["created_at"] = op.Timestamp.UTC()
		values["updated_at"] = op.Timestamp.UTC()
	}
	if versioned {
		version, err := e.nextVersion(ctx, op.Binding.Destination, op.RecordID)
		if err != nil {
			return nil, err
		}
		values["_is_deleted"] = op.Operation == "deleted"
		values["_version"] = version
	}
	return &bqRow{values: values}, nil
}

// nextVersion assigns max(prior)+1 per record. The query runs once per
// record; later versions come from the local counter.
func (e *bigQueryEndpoint) nextVersion(ctx context.Context, table, recordID string) (int64, error) {
	key := table + "|" + recordID

	e.versionMu.Lock()
	if last, ok := e.versions[key]; ok {
		e.versions[key] = last + 1
		e.versionMu.Unlock()
		return last + 1, nil
	}
	e.versionMu.Unlock()

	q := e.client.Query(fmt.Sprintf(
		"SELECT IFNULL(MAX(_version), 0) FROM `%s.%s` WHERE id = @id",
		e.cfg.Dataset, table))
	q.Parameters = []bigquery.QueryParameter{{Name: "id", Value: recordID}}

	it, err := q.Read(ctx)
	if err != nil {
		return 0, classifyBigQuery(err)
	}
	var prior int64
	var row []bigquery.Value
	if err := it.Next(&row); err != nil && err != iterator.Done {
		return 0, classifyBigQuery(err)
	} else if err == nil && len(row) > 0 {
		if n, ok := row[0].(int64); ok {
			prior = n
		}
	}

	e.versionMu.Lock()
	if last, ok := e.versions[key]; ok && last >= prior {
		prior = last
	}
	e.versions[key] = prior + 1
	e.versionMu.Unlock()
	return prior + 1, nil
}

func (e *bigQueryEndpoint) replicateMutable(ctx context.Context, op Op) error {
	switch op.Operation {
	case "deleted":
		return e.runDML(ctx, fmt.Sprintf(
			"DELETE FROM `%s.%s` WHERE id = @id", e.cfg.Dataset, op.Binding.Destination),
			[]bigquery.QueryParameter{{Name: "id", Value: op.RecordID}})
	case "updated":
		assigns := make([]string, 0, len(op.Record))
		params := []bigquery.QueryParameter{{Name: "id", Value: op.RecordID}}
		i := 0
		for name, v := range op.Record {
			if name == "id" {
				continue
			}
			p := fmt.Sprintf("p%d", i)
			assigns = append(assigns, fmt.Sprintf("`%s` = @%s", name, p))
			params = append(params, bigquery.QueryParameter{Name: p, Value: bqValue(v)})
			i++
		}
		assigns = append(assigns, "`updated_at` = CURRENT_TIMESTAMP()")
		return e.runDML(ctx, fmt.Sprintf(
			"UPDATE `%s.%s` SET %s WHERE id = @id",
			e.cfg.Dataset, op.Binding.Destination, strings.Join(assigns, ", ")), params)
	default:
		row := &bqRow{values: map[string]bigquery.Value{
			"id":         op.RecordID,
			"created_at": op.Timestamp.UTC(),
			"updated_at": op.Timestamp.UTC(),
		}}
		for name, v := range op.Record {
			if name == "id" {
				continue
			}
			row.values[name] = bqValue(v)
		}
		inserter := e.client.Dataset(e.cfg.Dataset).Table(op.Binding.Destination).Inserter()
		if err := inserter.Put(ctx, row); err != nil {
			return classifyBigQuery(err)
		}
		return nil
	}
}

// runDML executes UPDATE/DELETE, waiting out the streaming buffer a
// bounded number of times before escalating to permanent.
func (e *bigQueryEndpoint) runDML(ctx context.Context, stmt string, params []bigquery.QueryParameter) error {
	var lastErr error
	for attempt := 0; attempt <= streamingBufferRetries; attempt++ {
		if attempt > 0 {
			logger.Warn().Str("driver", "bigquery").Int("attempt", attempt).
				Msg("row still in streaming buffer, waiting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(streamingBufferDelay):
			}
		}
		q := e.client.Query(stmt)
		q.Parameters = params
		job, err := q.Run(ctx)
		if err != nil {
			return classifyBigQuery(err)
		}
		status, err := job.Wait(ctx)
		if err == nil {
			err = status.Err()
		}
		if err == nil {
			return nil
		}
		if !isStreamingBufferErr(err) {
			return classifyBigQuery(err)
		}
		lastErr = err
	}
	return models.Permanent("bigquery", lastErr)
}

func isStreamingBufferErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "streaming buffer")
}

// bqRow adapts a value map to the streaming insert API.
type bqRow struct {
	values map[string]bigquery.Value
}

func (r *bqRow) Save() (map[string]bigquery.Value, string, error) {
	return r.values, "", nil
}

func bqValue(v interface{}) bigquery.Value {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time:
		return v
	default:
		data, err := ffjson.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func classifyBigQuery(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429 || apiErr.Code == 408 || apiErr.Code >= 500:
			return models.Transient("bigquery", err)
		default:
			return models.Permanent("bigquery", err)
		}
	}
	return models.Transient("bigquery", err)
}

// Dialect implements the schema capability.
func (e *bigQueryEndpoint) Dialect() schema.Dialect { return schema.DialectBigQuery }

// ExtraColumns advertises the tracking columns the active global mode
// implies, so schema sync provisions them up front.
func (e *bigQueryEndpoint) ExtraColumns() []schema.Column {
	return schema.TrackingColumns(e.cfg.Mutability)
}

func (e *bigQueryEndpoint) IntrospectTable(ctx context.Context, table string) (*schema.TableInfo, error) {
	md, err := e.client.Dataset(e.cfg.Dataset).Table(table).Metadata(ctx)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return &schema.TableInfo{}, nil
		}
		return nil, classifyBigQuery(err)
	}

	info := &schema.TableInfo{Exists: true, Columns: make(map[string]string)}
	for _, field := range md.Schema {
		info.Columns[field.Name] = string(field.Type)
	}
	return info, nil
}

func (e *bigQueryEndpoint) SyncSchema(ctx context.Context, plan *schema.Plan) (*schema.Diff, error) {
	tbl := e.client.Dataset(e.cfg.Dataset).Table(plan.TableName)
	diff := &schema.Diff{}

	if plan.Recreate {
		if err := tbl.Delete(ctx); err != nil {
			return nil, classifyBigQuery(err)
		}
		if err := tbl.Create(ctx, &bigquery.TableMetadata{Schema: bqSchema(plan.Expected)}); err != nil {
			return nil, classifyBigQuery(err)
		}
		diff.TableRecreated = true
		return diff, nil
	}

	if plan.CreateIfMissing {
		if err := tbl.Create(ctx, &bigquery.TableMetadata{Schema: bqSchema(plan.Expected)}); err != nil {
			return nil, classifyBigQuery(err)
		}
		diff.TableCreated = true
		return diff, nil
	}

	if len(plan.ColumnsToAdd) > 0 {
		md, err := tbl.Metadata(ctx)
		if err != nil {
			return nil, classifyBigQuery(err)
		}
		updated := md.Schema
		for _, col := range plan.ColumnsToAdd {
			updated = append(updated, &bigquery.FieldSchema{
				Name: col.Name,
				Type: bqFieldType(col.Type),
			})
			diff.ColumnsAdded = append(diff.ColumnsAdded, col.Name)
		}
		if _, err := tbl.Update(ctx, bigquery.TableMetadataToUpdate{Schema: updated}, md.ETag); err != nil {
			return nil, classifyBigQuery(err)
		}
	}
	// BigQuery cannot drop columns through the metadata API; drops are
	// skipped rather than recreating the table.
	return diff, nil
}

func bqSchema(def schema.TableDef) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(def.Columns))
	for _, col := range def.Columns {
		out = append(out, &bigquery.FieldSchema{
			Name:     col.Name,
			Type:     bqFieldType(col.Type),
			Required: !col.Nullable && col.Name == def.PrimaryKey,
		})
	}
	return out
}

func bqFieldType(t string) bigquery.FieldType {
	switch strings.ToUpper(t) {
	case "STRING":
		return bigquery.StringFieldType
	case "TIMESTAMP":
		return bigquery.TimestampFieldType
	case "FLOAT64":
		return bigquery.FloatFieldType
	case "BOOL":
		return bigquery.BooleanFieldType
	case "INT64":
		return bigquery.IntegerFieldType
	case "JSON":
		return bigquery.JSONFieldType
	case "DATE":
		return bigquery.DateFieldType
	default:
		return bigquery.StringFieldType
	}
}
