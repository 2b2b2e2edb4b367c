package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/loader"
	"github.com/opensource-finance/kestrel/internal/output"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// detect runs a single detection pass: load, detect, write alerts.
func detect(args []string) error {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	input := fs.String("input", "", "CSV file, or db:, db:client=<id>, db:since=<datetime>")
	out := fs.String("output", output.Stdout, "alerts JSON file (- for stdout)")
	persist := fs.Bool("persist", false, "store the run and its alerts in the repository")
	publish := fs.Bool("publish", false, "publish alerts on the event bus")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		fs.Usage()
		return errors.New("-input is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Alerts may go to stdout, so logs go to stderr
	slog.SetDefault(config.NewLogger(cfg.Logging, os.Stderr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var repo domain.Repository
	if *persist || strings.HasPrefix(*input, loader.RefPrefix) {
		r, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("initialize repository: %w", err)
		}
		defer r.Close()
		repo = r
	}

	var eventBus domain.EventBus
	if *publish {
		b, err := bus.New(cfg.EventBus)
		if err != nil {
			return fmt.Errorf("initialize event bus: %w", err)
		}
		defer b.Close()
		eventBus = b
	}

	det, err := buildDetector(ctx, cfg, repo, eventBus)
	if err != nil {
		return err
	}

	start := time.Now()
	txs, err := loader.New(repo).Load(ctx, *input)
	if err != nil {
		return err
	}
	slog.Info("transactions loaded", "source", *input, "count", len(txs))

	result, err := det.Detect(ctx, txs)
	if err != nil {
		return err
	}

	outputs := output.Multi{{Output: &output.JSONFile{}, Ref: *out}}
	if eventBus != nil {
		outputs = append(outputs, output.Target{Output: output.NewBus(eventBus), Ref: domain.TopicAlert})
	}

	var store runStore
	if *persist {
		store = output.NewRepository(repo)
	}
	run := &domain.DetectionRun{
		ID:               uuid.New().String(),
		Source:           *input,
		StartedAt:        start.UTC(),
		TransactionCount: result.TransactionCount,
		AlertCount:       len(result.Alerts),
		Threshold:        result.Threshold,
		DurationMs:       time.Since(start).Milliseconds(),
		Alerts:           result.Alerts,
	}
	if err := deliver(ctx, run, store, outputs, *out); err != nil {
		return err
	}

	summary := alert.Summarize(result.Alerts)
	slog.Info("detection complete",
		"transaction_count", result.TransactionCount,
		"client_count", result.ClientCount,
		"alert_count", summary.Total,
		"by_reason", summary.ByReason,
		"threshold", result.Threshold,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

type runStore interface {
	SaveRun(ctx context.Context, run *domain.DetectionRun) error
}

// deliver stores the run when store is set, then writes its alerts to
// outputs. A failed save leaves no alert output behind.
func deliver(ctx context.Context, run *domain.DetectionRun, store runStore, outputs domain.AlertOutput, ref string) error {
	if store != nil {
		if err := store.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("store run: %w", err)
		}
		slog.Info("run stored", "run_id", run.ID)
	}
	return outputs.Output(ctx, run.Alerts, ref)
}
