// Package alert assembles rule decisions into Alert records.
package alert

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
)

// Assemble builds one alert per matched decision, in input order.
// decisions[i] must belong to txs[i].
func Assemble(txs []domain.Transaction, decisions []policy.Decision) []domain.Alert {
	alerts := make([]domain.Alert, 0)
	for i, d := range decisions {
		if !d.Matched || i >= len(txs) {
			continue
		}
		t := txs[i]
		alerts = append(alerts, domain.Alert{
			ClientID:            t.ClientID,
			Datetime:            t.Timestamp,
			Amount:              t.Amount,
			City:                t.City,
			Reason:              d.Reason,
			ReconstructionError: d.ReconstructionError,
			ErrorThreshold:      d.Threshold,
		})
	}
	return alerts
}

// Verdict turns the decision for t into a single-transaction result.
func Verdict(t domain.Transaction, d policy.Decision, historySize int) *domain.TransactionResult {
	recErr := d.ReconstructionError
	threshold := d.Threshold

	result := &domain.TransactionResult{
		TransactionID:       t.Key(),
		IsFraud:             d.Matched,
		Reason:              domain.ReasonNone,
		ReconstructionError: &recErr,
		ErrorThreshold:      &threshold,
		HistorySize:         historySize,
	}
	if d.Matched {
		result.Reason = d.Reason
	}
	return result
}

// ReasonCount is the number of alerts carrying one reason.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Summary aggregates a set of alerts.
type Summary struct {
	Total    int           `json:"total"`
	Clients  int           `json:"clients"`
	ByReason []ReasonCount `json:"byReason"`
}

// Summarize counts alerts per reason, most frequent first, then by reason.
func Summarize(alerts []domain.Alert) Summary {
	counts := make(map[string]int)
	clients := make(map[int]struct{})
	for _, a := range alerts {
		counts[a.Reason]++
		clients[a.ClientID] = struct{}{}
	}

	byReason := make([]ReasonCount, 0, len(counts))
	for reason, n := range counts {
		byReason = append(byReason, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(byReason, func(i, j int) bool {
		if byReason[i].Count != byReason[j].Count {
			return byReason[i].Count > byReason[j].Count
		}
		return byReason[i].Reason < byReason[j].Reason
	})

	return Summary{
		Total:    len(alerts),
		Clients:  len(clients),
		ByReason: byReason,
	}
}
