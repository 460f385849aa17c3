package estuary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pquerna/ffjson/ffjson"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/models"
)

func init() {
	Register("sqs", func(cfg map[string]interface{}) (Driver, error) {
		return newSQSEndpoint(cfg)
	})
}

// SQS batch sends take at most 10 entries per call.
const sqsBatchLimit = 10

type sqsConfig struct {
	QueueURL       string            `mapstructure:"queueUrl"`
	ResourceQueues map[string]string `mapstructure:"resourceQueues"`
	Region         string            `mapstructure:"region"`
	Endpoint       string            `mapstructure:"endpoint"`
	MessageGroupID string            `mapstructure:"messageGroupId"`
	Deduplication  bool              `mapstructure:"deduplication"`
}

type sqsEndpoint struct {
	cfg    sqsConfig
	client *sqs.Client
}

func newSQSEndpoint(raw map[string]interface{}) (*sqsEndpoint, error) {
	var cfg sqsConfig
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, &models.ConfigError{Field: "config", Message: err.Error()}
	}
	if cfg.QueueURL == "" && len(cfg.ResourceQueues) == 0 {
		return nil, &models.ConfigError{
			Field:   "config.queueUrl",
			Message: "either queueUrl or resourceQueues is required",
		}
	}
	return &sqsEndpoint{cfg: cfg}, nil
}

func (e *sqsEndpoint) Init() error {
	var opts []func(*awsconfig.LoadOptions) error
	if e.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(e.cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return classifyAWS("sqs", err)
	}
	e.client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if e.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(e.cfg.Endpoint)
		}
	})
	return nil
}

func (e *sqsEndpoint) Close() error { return nil }

func (e *sqsEndpoint) queueFor(resource string) string {
	if url, ok := e.cfg.ResourceQueues[resource]; ok {
		return url
	}
	return e.cfg.QueueURL
}

// queueMessage is the queue body.
type queueMessage struct {
	Resource  string                 `json:"resource"`
	Operation string                 `json:"operation"`
	RecordID  string                 `json:"recordId"`
	Data      map[string]interface{} `json:"data"`
	Before    map[string]interface{} `json:"before,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

func (e *sqsEndpoint) body(op Op) (string, error) {
	msg := queueMessage{
		Resource:  op.Binding.Source,
		Operation: op.Operation,
		RecordID:  op.RecordID,
		Data:      op.Record,
		Before:    op.Before,
		Timestamp: op.Timestamp.UTC().Format(time.RFC3339),
	}
	data, err := ffjson.Marshal(&msg)
	if err != nil {
		return "", models.Permanent("sqs", err)
	}
	return string(data), nil
}

// dedupID derives a deterministic deduplication id so a redelivered op
// collapses to one queue message inside the dedup window.
func (e *sqsEndpoint) dedupID(op Op) string {
	discriminator := op.Timestamp.UTC().Format(time.RFC3339Nano)
	if op.Record != nil {
		if v, ok := op.Record["version"]; ok {
			discriminator = fmt.Sprintf("%v", v)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		op.Binding.Source, op.RecordID, op.Operation, discriminator,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

func (e *sqsEndpoint) Replicate(ctx context.Context, op Op) error {
	queueURL := e.queueFor(op.Binding.Source)
	body, err := e.body(op)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
	}
	if strings.HasSuffix(queueURL, ".fifo") {
		groupID := e.cfg.MessageGroupID
		if groupID == "" {
			groupID = op.RecordID
		}
		input.MessageGroupId = aws.String(groupID)
		if e.cfg.Deduplication {
			input.MessageDeduplicationId = aws.String(e.dedupID(op))
		}
	}

	_, err = e.client.SendMessage(ctx, input)
	return classifyAWS("sqs", err)
}

// ReplicateBatch groups per queue in chunks of 10. Partial failures with
// any retriable entry report transient so the caller replays per item.
func (e *sqsEndpoint) ReplicateBatch(ctx context.Context, ops []Op) error {
	perQueue := make(map[string][]types.SendMessageBatchRequestEntry)
	for i, op := range ops {
		queueURL := e.queueFor(op.Binding.Source)
		body, err := e.body(op)
		if err != nil {
			return err
		}
		entry := types.SendMessageBatchRequestEntry{
			Id:          aws.String(fmt.Sprintf("m%d", i)),
			MessageBody: aws.String(body),
		}
		if strings.HasSuffix(queueURL, ".fifo") {
			groupID := e.cfg.MessageGroupID
			if groupID == "" {
				groupID = op.RecordID
			}
			entry.MessageGroupId = aws.String(groupID)
			if e.cfg.Deduplication {
				entry.MessageDeduplicationId = aws.String(e.dedupID(op))
			}
		}
		perQueue[queueURL] = append(perQueue[queueURL], entry)
	}

	for queueURL, entries := range perQueue {
		for start := 0; start < len(entries); start += sqsBatchLimit {
			end := start + sqsBatchLimit
			if end > len(entries) {
				end = len(entries)
			}
			out, err := e.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
				QueueUrl: aws.String(queueURL),
				Entries:  entries[start:end],
			})
			if err != nil {
				return classifyAWS("sqs", err)
			}
			if len(out.Failed) > 0 {
				return models.Transient("sqs",
					fmt.Errorf("%d entries failed for queue %s", len(out.Failed), queueURL))
			}
		}
	}
	return nil
}
