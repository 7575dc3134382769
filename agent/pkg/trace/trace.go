// Package trace records one record per answered question so answers can be
// inspected and rated afterwards.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("trace not found")

type Record struct {
	TraceID         string          `json:"trace_id"`
	Timestamp       time.Time       `json:"timestamp"`
	UserQuery       string          `json:"user_query"`
	IntentAnalysis  json.RawMessage `json:"intent_analysis,omitempty"`
	QueryText       string          `json:"query_text"`
	ExecutionResult *string         `json:"execution_result"`
	FinalMessages   []string        `json:"final_messages"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Feedback        *Feedback       `json:"feedback,omitempty"`
}

type Feedback struct {
	Correct bool      `json:"correct"`
	Comment string    `json:"comment,omitempty"`
	At      time.Time `json:"at"`
}

// Store persists trace records. Saving a record with an existing trace id
// replaces it.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]Record, error)
	SetFeedback(ctx context.Context, id string, fb Feedback) error
}
