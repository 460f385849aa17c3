package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverrun/replicator/pkg/events"
)

// Outcome is the terminal state of one replicated operation.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// ErrorClass classifies a driver failure. The engine interprets only the
// class, never the error text.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassCancelled ErrorClass = "cancelled"
)

// Attempt records one call into a driver.
type Attempt struct {
	No         int           `json:"no"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Class      ErrorClass    `json:"class,omitempty"`
	Err        error         `json:"-"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// DriverError is the structured failure a driver reports back to the engine.
type DriverError struct {
	Class       ErrorClass
	Destination string
	RetryAfter  time.Duration
	Cause       error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s: %v", e.Destination, e.Cause)
}

func (e *DriverError) Unwrap() error { return e.Cause }

// Transient builds a retriable driver error.
func Transient(destination string, cause error) *DriverError {
	return &DriverError{Class: ClassTransient, Destination: destination, Cause: cause}
}

// Permanent builds a non-retriable driver error.
func Permanent(destination string, cause error) *DriverError {
	return &DriverError{Class: ClassPermanent, Destination: destination, Cause: cause}
}

// ClassOf derives the error class for an arbitrary error. Unclassified
// errors default to transient so that network-level failures are retried.
func ClassOf(err error) ErrorClass {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Class
	}
	var te *TransformError
	if errors.As(err, &te) {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	return ClassTransient
}

// RetryAfterOf extracts a server-supplied retry hint, or zero.
func RetryAfterOf(err error) time.Duration {
	var de *DriverError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// ConfigError is fatal at startup: malformed config, unknown driver,
// unknown mapping syntax.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// SchemaSyncError is an introspection or DDL failure during schema sync.
type SchemaSyncError struct {
	Table   string
	Message string
	Cause   error
}

func (e *SchemaSyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("schema sync %s: %s: %v", e.Table, e.Message, e.Cause)
	}
	return fmt.Sprintf("schema sync %s: %s", e.Table, e.Message)
}

func (e *SchemaSyncError) Unwrap() error { return e.Cause }

// TransformError wraps a user transform that panicked or returned an
// invalid value. Always a per-op permanent failure.
type TransformError struct {
	Resource string
	RecordID string
	Cause    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s/%s: %v", e.Resource, e.RecordID, e.Cause)
}

func (e *TransformError) Unwrap() error { return e.Cause }

// LogEntry is one persisted replication log record.
type LogEntry struct {
	ID              string        `json:"id" bson:"_id"`
	ReplicatorID    string        `json:"replicatorId" bson:"replicatorId"`
	Resource        string        `json:"resource" bson:"resource"`
	RecordID        string        `json:"recordId" bson:"recordId"`
	Operation       string        `json:"operation" bson:"operation"`
	Status          Outcome       `json:"status" bson:"status"`
	Attempts        int           `json:"attempts" bson:"attempts"`
	FirstSeenAt     time.Time     `json:"firstSeenAt" bson:"firstSeenAt"`
	LastAttemptAt   time.Time     `json:"lastAttemptAt" bson:"lastAttemptAt"`
	LastError       string        `json:"lastError,omitempty" bson:"lastError,omitempty"`
	PayloadSnapshot events.Record `json:"payloadSnapshot,omitempty" bson:"payloadSnapshot,omitempty"`
}

// Counters is the in-memory health-probe view of terminal outcomes.
type Counters struct {
	Success   int64 `json:"success"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Cancelled int64 `json:"cancelled"`
}
