package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// buildDetector creates the scorer and policy described by cfg. repo and
// eventBus may be nil.
func buildDetector(ctx context.Context, cfg *domain.Config, repo domain.Repository, eventBus domain.EventBus) (*detector.Detector, error) {
	var observer domain.Observer
	if cfg.Detection.Diagnostics {
		var busObserver domain.Observer
		if eventBus != nil {
			busObserver = detector.NewBusObserver(eventBus)
		}
		observer = detector.MultiObserver(detector.NewSlogObserver(slog.Default()), busObserver)
	}

	scorer, err := scoring.New(cfg.Scoring)
	if err != nil {
		return nil, fmt.Errorf("initialize scorer: %w", err)
	}

	pol, err := policy.New(cfg.Detection, observer)
	if err != nil {
		return nil, fmt.Errorf("initialize policy: %w", err)
	}

	if repo != nil {
		if err := loadRulesFromDatabase(ctx, repo, pol); err != nil {
			return nil, err
		}
	}
	slog.Info("policy initialized", "rules_count", len(pol.Rules()), "percentile", pol.Percentile())

	return detector.New(cfg.Detection, scorer, pol, cfg.Scoring.Timeout, observer), nil
}

// loadRulesFromDatabase loads custom rules into the policy. Built-in rules
// are always present; custom ones are managed via POST /rules.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, pol *policy.Policy) error {
	dbRules, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with built-in rules only
	}

	if len(dbRules) == 0 {
		slog.Info("no custom rules in database - configure via POST /rules API")
		return nil
	}

	slog.Info("loading custom rules from database", "count", len(dbRules))
	if err := pol.ReloadRules(dbRules); err != nil {
		return fmt.Errorf("load custom rules: %w", err)
	}
	return nil
}
