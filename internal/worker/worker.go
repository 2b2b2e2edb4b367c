// Package worker runs detection on batches submitted through the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/output"
)

// Worker consumes domain.TopicBatchSubmitted and publishes alerts and run
// summaries for every batch.
type Worker struct {
	bus      domain.EventBus
	detector *detector.Detector
	runs     *output.Repository
	history  *history.Service
	alerts   *output.Bus

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// RunCompleted is the payload published on domain.TopicRunCompleted.
type RunCompleted struct {
	BatchID string               `json:"batchId"`
	Run     *domain.DetectionRun `json:"run"`
	Summary alert.Summary        `json:"summary"`
}

// NewWorker creates a new async worker. runs and hist may be nil; without
// them batches are detected but neither the run nor its transactions are stored.
func NewWorker(bus domain.EventBus, det *detector.Detector, runs *output.Repository, hist *history.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		detector: det,
		runs:     runs,
		history:  hist,
		alerts:   output.NewBus(bus),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to submitted batches.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicBatchSubmitted, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicBatchSubmitted)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	err := w.processBatch(ctx, msg)
	if err != nil {
		metrics.WorkerMessagesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.WorkerMessagesTotal.WithLabelValues("processed").Inc()
	return nil
}

// processBatch runs one submitted batch through detection.
func (w *Worker) processBatch(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var batch domain.BatchMessage
	if err := json.Unmarshal(msg.Payload, &batch); err != nil {
		return fmt.Errorf("%w: invalid batch message %s: %v", domain.ErrParse, msg.ID, err)
	}
	if batch.BatchID == "" {
		batch.BatchID = msg.ID
	}

	txs := make([]domain.Transaction, 0, len(batch.Transactions))
	for i := range batch.Transactions {
		t, err := batch.Transactions[i].ToTransaction()
		if err != nil {
			return fmt.Errorf("batch %s transaction %d: %w", batch.BatchID, i, err)
		}
		txs = append(txs, t)
	}

	slog.Debug("processing batch",
		"batch_id", batch.BatchID,
		"transaction_count", len(txs),
	)

	// 1. Remember transactions for later single-transaction checks
	if w.history != nil && len(txs) > 0 {
		if err := w.history.Record(ctx, txs); err != nil {
			slog.Error("failed to record transactions",
				"batch_id", batch.BatchID,
				"error", err,
			)
		}
	}

	// 2. Detect
	result, err := w.detector.Detect(ctx, txs)
	if err != nil {
		return fmt.Errorf("batch %s: %w", batch.BatchID, err)
	}

	source := batch.Source
	if source == "" {
		source = "bus:" + batch.BatchID
	}
	run := &domain.DetectionRun{
		ID:               uuid.New().String(),
		Source:           source,
		StartedAt:        start.UTC(),
		TransactionCount: result.TransactionCount,
		AlertCount:       len(result.Alerts),
		Threshold:        result.Threshold,
		DurationMs:       time.Since(start).Milliseconds(),
		Alerts:           result.Alerts,
	}

	// 3. Save run
	if w.runs != nil {
		if err := w.runs.SaveRun(ctx, run); err != nil {
			slog.Error("failed to save run",
				"batch_id", batch.BatchID,
				"run_id", run.ID,
				"error", err,
			)
		}
	}

	// 4. Publish alerts
	if err := w.alerts.Output(ctx, result.Alerts, domain.TopicAlert); err != nil {
		slog.Error("failed to publish alerts",
			"batch_id", batch.BatchID,
			"error", err,
		)
	}

	// 5. Publish run summary
	completed := RunCompleted{
		BatchID: batch.BatchID,
		Run:     withoutAlerts(run),
		Summary: alert.Summarize(result.Alerts),
	}
	payload, _ := json.Marshal(completed)
	if err := w.bus.Publish(ctx, domain.TopicRunCompleted, payload); err != nil {
		slog.Error("failed to publish run completion",
			"batch_id", batch.BatchID,
			"error", err,
		)
	}

	slog.Info("batch processed",
		"batch_id", batch.BatchID,
		"run_id", run.ID,
		"transaction_count", run.TransactionCount,
		"alert_count", run.AlertCount,
		"threshold", run.Threshold,
		"duration_ms", run.DurationMs,
	)

	return nil
}

func withoutAlerts(run *domain.DetectionRun) *domain.DetectionRun {
	cp := *run
	cp.Alerts = nil
	return &cp
}

// Stop unsubscribes and waits for in-flight batches.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
