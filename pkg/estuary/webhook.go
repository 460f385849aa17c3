package estuary

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pquerna/ffjson/ffjson"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/models"
)

func init() {
	Register("webhook", func(cfg map[string]interface{}) (Driver, error) {
		return newWebhookEndpoint(cfg)
	})
}

var defaultRetryStatuses = []int{429, 500, 502, 503, 504}

type webhookAuth struct {
	Type     string `mapstructure:"type"` // bearer | basic | apiKey
	Token    string `mapstructure:"token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Header   string `mapstructure:"header"`
	Value    string `mapstructure:"value"`
}

type webhookConfig struct {
	URL           string            `mapstructure:"url"`
	Method        string            `mapstructure:"method"`
	Source        string            `mapstructure:"source"`
	TimeoutMs     int               `mapstructure:"timeoutMs"`
	RetryOnStatus []int             `mapstructure:"retryOnStatus"`
	Headers       map[string]string `mapstructure:"headers"`
	Auth          webhookAuth       `mapstructure:"auth"`
}

type webhookEndpoint struct {
	cfg      webhookConfig
	client   *http.Client
	retrySet map[int]bool
}

func newWebhookEndpoint(raw map[string]interface{}) (*webhookEndpoint, error) {
	var cfg webhookConfig
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, &models.ConfigError{Field: "config", Message: err.Error()}
	}
	if cfg.URL == "" {
		return nil, &models.ConfigError{Field: "config.url", Message: "url is required"}
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 5000
	}
	if len(cfg.RetryOnStatus) == 0 {
		cfg.RetryOnStatus = defaultRetryStatuses
	}
	switch cfg.Auth.Type {
	case "", "bearer", "basic", "apiKey":
	default:
		return nil, &models.ConfigError{
			Field:   "config.auth.type",
			Message: fmt.Sprintf("unknown auth type %q", cfg.Auth.Type),
		}
	}

	retrySet := make(map[int]bool, len(cfg.RetryOnStatus))
	for _, status := range cfg.RetryOnStatus {
		retrySet[status] = true
	}
	return &webhookEndpoint{
		cfg:      cfg,
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		retrySet: retrySet,
	}, nil
}

func (e *webhookEndpoint) Init() error  { return nil }
func (e *webhookEndpoint) Close() error { return nil }

// webhookPayload is the single-op wire shape.
type webhookPayload struct {
	Resource  string                 `json:"resource"`
	Action    string                 `json:"action"`
	Timestamp string                 `json:"timestamp"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Before    map[string]interface{} `json:"before,omitempty"`
}

type webhookBatch struct {
	Batch []webhookPayload `json:"batch"`
}

func (e *webhookEndpoint) payload(op Op) webhookPayload {
	return webhookPayload{
		Resource:  op.Binding.Source,
		Action:    op.Operation,
		Timestamp: op.Timestamp.UTC().Format(time.RFC3339),
		Source:    e.cfg.Source,
		Data:      op.Record,
		Before:    op.Before,
	}
}

func (e *webhookEndpoint) Replicate(ctx context.Context, op Op) error {
	body, err := ffjson.Marshal(e.payload(op))
	if err != nil {
		return models.Permanent("webhook", err)
	}
	return e.send(ctx, body)
}

func (e *webhookEndpoint) ReplicateBatch(ctx context.Context, ops []Op) error {
	batch := webhookBatch{Batch: make([]webhookPayload, 0, len(ops))}
	for _, op := range ops {
		batch.Batch = append(batch.Batch, e.payload(op))
	}
	body, err := ffjson.Marshal(&batch)
	if err != nil {
		return models.Permanent("webhook", err)
	}
	return e.send(ctx, body)
}

func (e *webhookEndpoint) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, e.cfg.Method, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return models.Permanent("webhook", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range e.cfg.Headers {
		req.Header.Set(name, value)
	}
	switch e.cfg.Auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+e.cfg.Auth.Token)
	case "basic":
		req.SetBasicAuth(e.cfg.Auth.Username, e.cfg.Auth.Password)
	case "apiKey":
		req.Header.Set(e.cfg.Auth.Header, e.cfg.Auth.Value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.Transient("webhook", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return e.classifyStatus(resp)
}

// classifyStatus maps the HTTP status to an error class. A Retry-After
// header rides along on retriable failures and overrides the engine's
// computed backoff.
func (e *webhookEndpoint) classifyStatus(resp *http.Response) error {
	status := resp.StatusCode
	if status >= 200 && status < 300 {
		return nil
	}

	err := fmt.Errorf("endpoint returned status %d", status)
	if e.retrySet[status] || status == 408 || status == 429 {
		de := models.Transient("webhook", err)
		de.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return de
	}
	if status >= 400 && status < 500 {
		return models.Permanent("webhook", err)
	}
	// A 5xx outside retryOnStatus was opted out of retries.
	return models.Permanent("webhook", err)
}

// parseRetryAfter handles both forms of the header: delta-seconds and an
// HTTP-date.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
