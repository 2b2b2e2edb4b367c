package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the wire and storage layout for transaction timestamps.
const TimeLayout = "2006-01-02 15:04:05"

// Transaction is a single card/account movement for a client.
// Immutable once loaded.
type Transaction struct {
	ClientID  int       `json:"idClient"`
	Timestamp time.Time `json:"-"`
	Amount    float64   `json:"amount"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	City      string    `json:"city"`
}

// Key identifies a transaction by client and timestamp, e.g. "1001_2024-01-05_13-04-59".
func (t Transaction) Key() string {
	ts := t.Timestamp.Format(TimeLayout)
	ts = strings.ReplaceAll(ts, " ", "_")
	ts = strings.ReplaceAll(ts, ":", "-")
	return strconv.Itoa(t.ClientID) + "_" + ts
}

// TransactionRequest is the API/bus payload form of a transaction.
type TransactionRequest struct {
	ClientID  int     `json:"idClient"`
	Datetime  string  `json:"datetime"`
	Amount    float64 `json:"amount"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	City      string  `json:"city"`
}

// ToTransaction parses the request into a Transaction.
func (r *TransactionRequest) ToTransaction() (Transaction, error) {
	ts, err := ParseTimestamp(r.Datetime)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{
		ClientID:  r.ClientID,
		Timestamp: ts,
		Amount:    r.Amount,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		City:      r.City,
	}, nil
}

// NewTransactionRequest is the inverse of ToTransaction.
func NewTransactionRequest(t Transaction) TransactionRequest {
	return TransactionRequest{
		ClientID:  t.ClientID,
		Datetime:  t.Timestamp.Format(TimeLayout),
		Amount:    t.Amount,
		Latitude:  t.Latitude,
		Longitude: t.Longitude,
		City:      t.City,
	}
}

// ParseTimestamp parses a TimeLayout timestamp in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	ts, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid datetime %q", ErrParse, s)
	}
	return ts, nil
}

// Alert reasons, in rule priority order.
const (
	ReasonForeignCity         = "Foreign city detected"
	ReasonHighReconstruction  = "High reconstruction error"
	ReasonExtremeAmountOrDist = "Extreme amount or distance"
)

// Alert is a flagged transaction. All fields are always populated.
type Alert struct {
	ClientID            int       `json:"idClient"`
	Datetime            time.Time `json:"datetime"`
	Amount              float64   `json:"amount"`
	City                string    `json:"city"`
	Reason              string    `json:"reason"`
	ReconstructionError float64   `json:"reconstructionError"`
	ErrorThreshold      float64   `json:"errorThreshold"`
}

type alertJSON struct {
	ClientID            int     `json:"idClient"`
	Datetime            string  `json:"datetime"`
	Amount              float64 `json:"amount"`
	City                string  `json:"city"`
	Reason              string  `json:"reason"`
	ReconstructionError float64 `json:"reconstructionError"`
	ErrorThreshold      float64 `json:"errorThreshold"`
}

// MarshalJSON writes the datetime in TimeLayout, matching the input format.
func (a Alert) MarshalJSON() ([]byte, error) {
	return json.Marshal(alertJSON{
		ClientID:            a.ClientID,
		Datetime:            a.Datetime.Format(TimeLayout),
		Amount:              a.Amount,
		City:                a.City,
		Reason:              a.Reason,
		ReconstructionError: a.ReconstructionError,
		ErrorThreshold:      a.ErrorThreshold,
	})
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (a *Alert) UnmarshalJSON(data []byte) error {
	var raw alertJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := ParseTimestamp(raw.Datetime)
	if err != nil {
		return err
	}
	*a = Alert{
		ClientID:            raw.ClientID,
		Datetime:            ts,
		Amount:              raw.Amount,
		City:                raw.City,
		Reason:              raw.Reason,
		ReconstructionError: raw.ReconstructionError,
		ErrorThreshold:      raw.ErrorThreshold,
	}
	return nil
}

// DetectionResult is the output of one detection pass over a batch.
type DetectionResult struct {
	Alerts           []Alert `json:"alerts"`
	Threshold        float64 `json:"threshold"`
	TransactionCount int     `json:"transactionCount"`
	ClientCount      int     `json:"clientCount"`

	// Errors holds the per-transaction reconstruction error, input order.
	Errors []ErrorPoint `json:"errors,omitempty"`
}

// ErrorPoint is one transaction's reconstruction error.
type ErrorPoint struct {
	TransactionID       string  `json:"transactionId"`
	ReconstructionError float64 `json:"reconstructionError"`
}

// DetectionRun is a persisted detection pass.
type DetectionRun struct {
	ID               string    `json:"id"`
	Source           string    `json:"source"`
	StartedAt        time.Time `json:"startedAt"`
	TransactionCount int       `json:"transactionCount"`
	AlertCount       int       `json:"alertCount"`
	Threshold        float64   `json:"threshold"`
	DurationMs       int64     `json:"durationMs"`
	Alerts           []Alert   `json:"alerts,omitempty"`
}

// TransactionResult is the verdict for a single transaction checked against its client history.
type TransactionResult struct {
	TransactionID       string   `json:"transactionId"`
	IsFraud             bool     `json:"isFraud"`
	Reason              string   `json:"reason"`
	ReconstructionError *float64 `json:"reconstructionError"`
	ErrorThreshold      *float64 `json:"errorThreshold"`
	HistorySize         int      `json:"historySize"`

	// ErrorSeries covers the client's history followed by the transaction
	// itself, so the verdict can be read against the whole series.
	ErrorSeries []ErrorPoint `json:"errorSeries,omitempty"`
}

// ReasonNone is reported for transactions that matched no rule.
const ReasonNone = "No anomaly detected"
