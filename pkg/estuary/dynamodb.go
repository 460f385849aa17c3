package estuary

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/models"
)

func init() {
	Register("dynamodb", func(cfg map[string]interface{}) (Driver, error) {
		return newDynamoEndpoint(cfg)
	})
}

// DynamoDB batch writes take at most 25 items per call.
const dynamoBatchLimit = 25

type dynamoConfig struct {
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	PartitionKey string `mapstructure:"partitionKey"`
	SortKey      string `mapstructure:"sortKey"`
}

type dynamoEndpoint struct {
	cfg    dynamoConfig
	client *dynamodb.Client
}

func newDynamoEndpoint(raw map[string]interface{}) (*dynamoEndpoint, error) {
	var cfg dynamoConfig
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, &models.ConfigError{Field: "config", Message: err.Error()}
	}
	if cfg.PartitionKey == "" {
		cfg.PartitionKey = "id"
	}
	return &dynamoEndpoint{cfg: cfg}, nil
}

func (e *dynamoEndpoint) Init() error {
	var opts []func(*awsconfig.LoadOptions) error
	if e.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(e.cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return classifyAWS("dynamodb", err)
	}
	e.client = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if e.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(e.cfg.Endpoint)
		}
	})
	return nil
}

func (e *dynamoEndpoint) Close() error { return nil }

// key builds the table key from the record. The partition key is always
// the record id; the sort key, when configured, is read from the record.
func (e *dynamoEndpoint) key(op Op) (map[string]types.AttributeValue, error) {
	key := map[string]types.AttributeValue{
		e.cfg.PartitionKey: &types.AttributeValueMemberS{Value: op.RecordID},
	}
	if e.cfg.SortKey != "" {
		source := op.Record
		if source == nil {
			source = op.Before
		}
		v, ok := source[e.cfg.SortKey]
		if !ok {
			return nil, models.Permanent("dynamodb",
				fmt.Errorf("record %s has no sort key attribute %q", op.RecordID, e.cfg.SortKey))
		}
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, models.Permanent("dynamodb", err)
		}
		key[e.cfg.SortKey] = av
	}
	return key, nil
}

func (e *dynamoEndpoint) Replicate(ctx context.Context, op Op) error {
	switch op.Operation {
	case "deleted":
		key, err := e.key(op)
		if err != nil {
			return err
		}
		_, err = e.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(op.Binding.Destination),
			Key:       key,
		})
		return classifyAWS("dynamodb", err)
	case "updated":
		return e.update(ctx, op)
	default:
		item, err := e.item(op)
		if err != nil {
			return err
		}
		_, err = e.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(op.Binding.Destination),
			Item:      item,
		})
		return classifyAWS("dynamodb", err)
	}
}

// update uses an expression builder so attribute names and values are
// never concatenated into the statement.
func (e *dynamoEndpoint) update(ctx context.Context, op Op) error {
	key, err := e.key(op)
	if err != nil {
		return err
	}

	var upd expression.UpdateBuilder
	assigned := false
	for name, v := range op.Record {
		if name == e.cfg.PartitionKey || name == e.cfg.SortKey {
			continue
		}
		upd = upd.Set(expression.Name(name), expression.Value(v))
		assigned = true
	}
	if !assigned {
		return nil
	}

	expr, err := expression.NewBuilder().WithUpdate(upd).Build()
	if err != nil {
		return models.Permanent("dynamodb", err)
	}
	_, err = e.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(op.Binding.Destination),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return classifyAWS("dynamodb", err)
}

// ReplicateBatch groups writes per table in chunks of 25. Leftover
// unprocessed items surface as a transient error for per-item replay.
func (e *dynamoEndpoint) ReplicateBatch(ctx context.Context, ops []Op) error {
	perTable := make(map[string][]types.WriteRequest)
	for _, op := range ops {
		if op.Operation == "updated" {
			// Update expressions have no batch form.
			if err := e.update(ctx, op); err != nil {
				return err
			}
			continue
		}
		var req types.WriteRequest
		if op.Operation == "deleted" {
			key, err := e.key(op)
			if err != nil {
				return err
			}
			req.DeleteRequest = &types.DeleteRequest{Key: key}
		} else {
			item, err := e.item(op)
			if err != nil {
				return err
			}
			req.PutRequest = &types.PutRequest{Item: item}
		}
		perTable[op.Binding.Destination] = append(perTable[op.Binding.Destination], req)
	}

	for table, reqs := range perTable {
		for start := 0; start < len(reqs); start += dynamoBatchLimit {
			end := start + dynamoBatchLimit
			if end > len(reqs) {
				end = len(reqs)
			}
			out, err := e.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{table: reqs[start:end]},
			})
			if err != nil {
				return classifyAWS("dynamodb", err)
			}
			if len(out.UnprocessedItems) > 0 {
				return models.Transient("dynamodb",
					fmt.Errorf("%d unprocessed items for table %s", len(out.UnprocessedItems[table]), table))
			}
		}
	}
	return nil
}

func (e *dynamoEndpoint) item(op Op) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(op.Record)
	if err != nil {
		return nil, models.Permanent("dynamodb", err)
	}
	item[e.cfg.PartitionKey] = &types.AttributeValueMemberS{Value: op.RecordID}
	return item, nil
}

func classifyAWS(driver string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException",
			"RequestLimitExceeded", "InternalServerError", "ServiceUnavailable",
			"LimitExceededException":
			return models.Transient(driver, err)
		default:
			return models.Permanent(driver, err)
		}
	}
	return models.Transient(driver, err)
}
