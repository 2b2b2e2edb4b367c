package alert

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
)

func sampleTxs() []domain.Transaction {
	ts := time.Date(2024, 1, 5, 13, 4, 59, 0, time.UTC)
	return []domain.Transaction{
		{ClientID: 1, Timestamp: ts, Amount: 10, City: "Mexico City"},
		{ClientID: 1, Timestamp: ts.Add(time.Hour), Amount: 20, City: "London"},
		{ClientID: 2, Timestamp: ts, Amount: 30, City: "Paris"},
	}
}

func TestAssemble(t *testing.T) {
	txs := sampleTxs()
	decisions := []policy.Decision{
		{Index: 0, ReconstructionError: 0.1, Threshold: 0.5},
		{Index: 1, Matched: true, Reason: domain.ReasonForeignCity, ReconstructionError: 0.2, Threshold: 0.5},
		{Index: 2, Matched: true, Reason: domain.ReasonHighReconstruction, ReconstructionError: 0.9, Threshold: 0.5},
	}

	alerts := Assemble(txs, decisions)
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}

	first := alerts[0]
	if first.ClientID != 1 || first.City != "London" || first.Amount != 20 {
		t.Errorf("unexpected first alert: %+v", first)
	}
	if !first.Datetime.Equal(txs[1].Timestamp) {
		t.Errorf("expected datetime %v, got %v", txs[1].Timestamp, first.Datetime)
	}
	if first.ReconstructionError != 0.2 || first.ErrorThreshold != 0.5 {
		t.Errorf("expected error/threshold to be carried, got %+v", first)
	}
	if alerts[1].Reason != domain.ReasonHighReconstruction {
		t.Errorf("expected input order to be preserved, got %+v", alerts[1])
	}
}

func TestAssemble_NoMatches(t *testing.T) {
	alerts := Assemble(sampleTxs(), make([]policy.Decision, 3))
	if alerts == nil || len(alerts) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", alerts)
	}
}

func TestVerdict(t *testing.T) {
	tx := sampleTxs()[0]

	clean := Verdict(tx, policy.Decision{ReconstructionError: 0.1, Threshold: 0.3}, 12)
	if clean.IsFraud {
		t.Error("expected clean verdict")
	}
	if clean.Reason != domain.ReasonNone {
		t.Errorf("expected %q, got %q", domain.ReasonNone, clean.Reason)
	}
	if clean.TransactionID != "1_2024-01-05_13-04-59" {
		t.Errorf("unexpected transaction id %q", clean.TransactionID)
	}
	if *clean.ReconstructionError != 0.1 || *clean.ErrorThreshold != 0.3 || clean.HistorySize != 12 {
		t.Errorf("unexpected verdict %+v", clean)
	}

	flagged := Verdict(tx, policy.Decision{Matched: true, Reason: domain.ReasonExtremeAmountOrDist}, 0)
	if !flagged.IsFraud || flagged.Reason != domain.ReasonExtremeAmountOrDist {
		t.Errorf("unexpected flagged verdict %+v", flagged)
	}
}

func TestSummarize(t *testing.T) {
	alerts := []domain.Alert{
		{ClientID: 1, Reason: domain.ReasonForeignCity},
		{ClientID: 2, Reason: domain.ReasonHighReconstruction},
		{ClientID: 2, Reason: domain.ReasonForeignCity},
		{ClientID: 3, Reason: domain.ReasonExtremeAmountOrDist},
	}

	s := Summarize(alerts)
	if s.Total != 4 || s.Clients != 3 {
		t.Errorf("unexpected totals %+v", s)
	}
	if len(s.ByReason) != 3 {
		t.Fatalf("expected 3 reasons, got %d", len(s.ByReason))
	}
	if s.ByReason[0].Reason != domain.ReasonForeignCity || s.ByReason[0].Count != 2 {
		t.Errorf("expected foreign city first, got %+v", s.ByReason[0])
	}
	// Ties sort by reason text
	if s.ByReason[1].Reason != domain.ReasonExtremeAmountOrDist {
		t.Errorf("expected tie broken by reason, got %+v", s.ByReason[1])
	}

	empty := Summarize(nil)
	if empty.Total != 0 || len(empty.ByReason) != 0 {
		t.Errorf("expected empty summary, got %+v", empty)
	}
}
