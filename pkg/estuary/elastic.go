package estuary

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pquerna/ffjson/ffjson"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/models"
)

func init() {
	Register("elasticsearch", func(cfg map[string]interface{}) (Driver, error) {
		return newElasticEndpoint(cfg)
	})
}

type elasticConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

// elasticEndpoint indexes records under their record id; the binding
// destination names the index.
type elasticEndpoint struct {
	cfg elasticConfig
	es  *elasticsearch.Client
}

func newElasticEndpoint(raw map[string]interface{}) (*elasticEndpoint, error) {
	var cfg elasticConfig
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, &models.ConfigError{Field: "config", Message: err.Error()}
	}
	if len(cfg.Addresses) == 0 {
		return nil, &models.ConfigError{Field: "config.addresses", Message: "at least one address is required"}
	}
	return &elasticEndpoint{cfg: cfg}, nil
}

func (e *elasticEndpoint) Init() error {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: e.cfg.Addresses,
		Username:  e.cfg.Username,
		Password:  e.cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: 10 * time.Second,
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		},
	})
	if err != nil {
		return models.Transient("elasticsearch", err)
	}
	e.es = es
	return nil
}

func (e *elasticEndpoint) Close() error { return nil }

func (e *elasticEndpoint) Replicate(ctx context.Context, op Op) error {
	var req esapi.Request
	switch op.Operation {
	case "deleted":
		req = esapi.DeleteRequest{
			Index:      op.Binding.Destination,
			DocumentID: op.RecordID,
		}
	default:
		body, err := ffjson.Marshal(op.Record)
		if err != nil {
			return models.Permanent("elasticsearch", err)
		}
		// Index is a full upsert, which fits both inserts and updates.
		req = esapi.IndexRequest{
			Index:      op.Binding.Destination,
			DocumentID: op.RecordID,
			Body:       bytes.NewReader(body),
		}
	}

	res, err := req.Do(ctx, e.es)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.Transient("elasticsearch", err)
	}
	defer res.Body.Close()

	if !res.IsError() {
		return nil
	}
	// A delete of an absent document is a no-op under at-least-once.
	if op.Operation == "deleted" && res.StatusCode == 404 {
		return nil
	}
	err = fmt.Errorf("index request returned status %d", res.StatusCode)
	switch {
	case res.StatusCode == 429 || res.StatusCode == 408 || res.StatusCode >= 500:
		return models.Transient("elasticsearch", err)
	default:
		return models.Permanent("elasticsearch", err)
	}
}
