package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/output"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

func newDetector(t *testing.T) *detector.Detector {
	t.Helper()
	cfg := domain.DefaultConfig().Detection
	pol, err := policy.New(cfg, nil)
	if err != nil {
		t.Fatalf("policy.New failed: %v", err)
	}
	return detector.New(cfg, scoring.Identity{}, pol, time.Second, nil)
}

func batchPayload(t *testing.T, batchID string) []byte {
	t.Helper()
	var reqs []domain.TransactionRequest
	for day := 1; day <= 4; day++ {
		reqs = append(reqs, domain.TransactionRequest{
			ClientID: 1001, Datetime: fmt.Sprintf("2024-02-%02d 12:00:00", day),
			Amount: 100, Latitude: 19.43, Longitude: -99.13, City: "Mexico City",
		})
	}
	reqs = append(reqs, domain.TransactionRequest{
		ClientID: 1001, Datetime: "2024-02-06 09:00:00",
		Amount: 100, Latitude: 51.5, Longitude: -0.12, City: "London",
	})

	payload, err := json.Marshal(domain.BatchMessage{BatchID: batchID, Transactions: reqs})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return payload
}

func waitFor(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, newDetector(t), nil, nil)

		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicBatchSubmitted {
			t.Errorf("unexpected stats: %+v", stats)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessBatch", func(t *testing.T) {
		repo, err := repository.New(domain.RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "worker-test.db"),
		})
		if err != nil {
			t.Fatalf("failed to create repository: %v", err)
		}
		defer repo.Close()

		w := NewWorker(eventBus, newDetector(t), output.NewRepository(repo), history.NewService(repo, nil, 0))
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		alerts := make(chan []byte, 10)
		completed := make(chan []byte, 10)
		ctx := context.Background()
		eventBus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			alerts <- msg.Payload
			return nil
		})
		eventBus.Subscribe(ctx, domain.TopicRunCompleted, func(ctx context.Context, msg *domain.Message) error {
			completed <- msg.Payload
			return nil
		})

		if err := eventBus.Publish(ctx, domain.TopicBatchSubmitted, batchPayload(t, "batch-001")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		var a domain.Alert
		if err := json.Unmarshal(waitFor(t, alerts), &a); err != nil {
			t.Fatalf("failed to parse alert: %v", err)
		}
		if a.City != "London" || a.Reason != domain.ReasonForeignCity {
			t.Errorf("unexpected alert: %+v", a)
		}

		var rc RunCompleted
		if err := json.Unmarshal(waitFor(t, completed), &rc); err != nil {
			t.Fatalf("failed to parse run completion: %v", err)
		}
		if rc.BatchID != "batch-001" || rc.Run.TransactionCount != 5 || rc.Run.AlertCount != 1 {
			t.Errorf("unexpected run completion: %+v", rc)
		}
		if rc.Run.Alerts != nil {
			t.Error("expected run summary without alerts")
		}
		if rc.Summary.Total != 1 || rc.Summary.ByReason[0].Reason != domain.ReasonForeignCity {
			t.Errorf("unexpected summary: %+v", rc.Summary)
		}

		stored, err := repo.GetRun(ctx, rc.Run.ID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if stored.Source != "bus:batch-001" || len(stored.Alerts) != 1 {
			t.Errorf("unexpected stored run: %+v", stored)
		}

		txs, err := repo.ListClientTransactions(ctx, 1001)
		if err != nil {
			t.Fatalf("ListClientTransactions failed: %v", err)
		}
		if len(txs) != 5 {
			t.Errorf("expected 5 recorded transactions, got %d", len(txs))
		}
	})

	t.Run("InvalidMessage", func(t *testing.T) {
		w := NewWorker(eventBus, newDetector(t), nil, nil)

		var completed atomic.Int32
		sub, _ := eventBus.Subscribe(context.Background(), domain.TopicRunCompleted, func(ctx context.Context, msg *domain.Message) error {
			completed.Add(1)
			return nil
		})
		defer sub.Unsubscribe()

		err := w.processBatch(context.Background(), &domain.Message{ID: "m1", Payload: []byte("{not json")})
		if err == nil {
			t.Error("expected error for malformed payload")
		}

		bad, _ := json.Marshal(domain.BatchMessage{Transactions: []domain.TransactionRequest{{ClientID: 1, Datetime: "yesterday", City: "Lima"}}})
		err = w.processBatch(context.Background(), &domain.Message{ID: "m2", Payload: bad})
		if err == nil {
			t.Error("expected error for invalid datetime")
		}

		time.Sleep(50 * time.Millisecond)
		if completed.Load() != 0 {
			t.Errorf("expected no run completion for rejected batches, got %d", completed.Load())
		}
	})
}
