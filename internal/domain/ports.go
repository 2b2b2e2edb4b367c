package domain

import (
	"context"
	"time"
)

// TransactionLoader reads a finite, ordered batch of transactions.
type TransactionLoader interface {
	// Load fails with ErrIO when the source is unreadable and ErrParse on a malformed record.
	Load(ctx context.Context, sourceRef string) ([]Transaction, error)
}

// Scorer reconstructs a feature matrix. The returned matrix must have the
// same shape and row order as the input.
type Scorer interface {
	Score(ctx context.Context, features [][]float64) ([][]float64, error)
}

// AlertOutput persists or serializes alerts.
type AlertOutput interface {
	// Output fails with ErrIO when the destination cannot be written.
	Output(ctx context.Context, alerts []Alert, destinationRef string) error
}

// Observer receives diagnostics events from the detection pipeline.
// Implementations must not block; the pipeline does not wait on them.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// Event is a structured diagnostics record.
type Event struct {
	Kind      string         `json:"kind"`
	ClientID  int            `json:"idClient,omitempty"`
	Index     int            `json:"index"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Diagnostics event kinds.
const (
	EventProfileComputed    = "profile.computed"
	EventTransactionEncoded = "transaction.encoded"
	EventThresholdComputed  = "threshold.computed"
	EventRuleMatched        = "rule.matched"
	EventRuleError          = "rule.error"
)
