// Package policy turns reconstruction output into a batch threshold and
// applies the priority-ordered CEL rule set to every transaction.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
)

// DefaultExtremeSigma is the std multiplier of the extreme amount/distance rule.
const DefaultExtremeSigma = 1.5

// Decision is the rule outcome for one transaction.
type Decision struct {
	Index               int
	Matched             bool
	RuleID              string
	Reason              string
	ReconstructionError float64
	Threshold           float64
}

// Policy evaluates built-in and custom rules. Safe for concurrent use.
type Policy struct {
	mu         sync.RWMutex
	env        *cel.Env
	rules      []*CompiledRule
	custom     []*domain.RuleConfig
	percentile float64
	sigma      float64
	maxWorkers int
	observer   domain.Observer
}

// New creates a policy with the built-in rules loaded.
func New(cfg domain.DetectionConfig, observer domain.Observer) (*Policy, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	p := &Policy{
		env:        env,
		percentile: cfg.ThresholdPercentile,
		sigma:      cfg.ExtremeSigma,
		maxWorkers: cfg.ProfileWorkers,
		observer:   observer,
	}
	if p.percentile <= 0 || p.percentile > 1 {
		p.percentile = DefaultPercentile
	}
	if p.sigma <= 0 {
		p.sigma = DefaultExtremeSigma
	}
	if p.maxWorkers <= 0 {
		p.maxWorkers = 8
	}

	if err := p.ReloadRules(nil); err != nil {
		return nil, err
	}
	return p, nil
}

// ValidateRule compiles and validates a custom rule without loading it.
func (p *Policy) ValidateRule(cfg *domain.RuleConfig) error {
	if err := validateCustom(cfg); err != nil {
		return err
	}
	_, err := compileRule(p.env, cfg)
	return err
}

// ReloadRules replaces all custom rules. Disabled rules are kept in the
// listing but not evaluated. On error the loaded set is unchanged.
func (p *Policy) ReloadRules(custom []*domain.RuleConfig) error {
	compiled := make([]*CompiledRule, 0, len(custom)+3)
	for _, cfg := range BuiltinRules() {
		c, err := compileRule(p.env, cfg)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}

	for _, cfg := range custom {
		if err := validateCustom(cfg); err != nil {
			return err
		}
		c, err := compileRule(p.env, cfg)
		if err != nil {
			return err
		}
		if cfg.Enabled {
			compiled = append(compiled, c)
		}
	}
	sortRules(compiled)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = compiled
	p.custom = append([]*domain.RuleConfig(nil), custom...)
	return nil
}

// Rules returns the evaluated rules in priority order.
func (p *Policy) Rules() []*domain.RuleConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*domain.RuleConfig, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.Config
	}
	return out
}

// CustomRules returns the configured rules, enabled or not.
func (p *Policy) CustomRules() []*domain.RuleConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*domain.RuleConfig(nil), p.custom...)
}

// Percentile returns the configured threshold percentile.
func (p *Policy) Percentile() float64 {
	return p.percentile
}

// Evaluate computes every reconstruction error, derives the batch threshold
// from all of them, then applies rules to each transaction. The first
// matching rule in priority order decides the reason. The returned
// decisions are in input order.
func (p *Policy) Evaluate(
	ctx context.Context,
	txs []domain.Transaction,
	profiles map[int]*domain.ClientProfile,
	features []domain.FeatureVector,
	reconstruction [][]float64,
) ([]Decision, float64, error) {
	if len(features) != len(txs) {
		return nil, 0, fmt.Errorf("%w: %d feature vectors for %d transactions", domain.ErrData, len(features), len(txs))
	}
	if len(reconstruction) != len(txs) {
		return nil, 0, fmt.Errorf("%w: %d reconstructed rows for %d transactions", domain.ErrModel, len(reconstruction), len(txs))
	}

	matrix := make([][]float64, len(features))
	for i := range features {
		matrix[i] = features[i][:]
		if len(reconstruction[i]) != domain.FeatureDim {
			return nil, 0, fmt.Errorf("%w: reconstructed row %d has width %d", domain.ErrModel, i, len(reconstruction[i]))
		}
	}

	errs := ReconstructionErrors(matrix, reconstruction)
	threshold := Threshold(errs, p.percentile)

	if p.observer != nil {
		p.observer.Observe(ctx, domain.Event{
			Kind: domain.EventThresholdComputed,
			Fields: map[string]any{
				"threshold":  threshold,
				"percentile": p.percentile,
				"count":      len(errs),
			},
			Timestamp: time.Now().UTC(),
		})
	}

	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()

	decisions := make([]Decision, len(txs))
	ruleErrs := make([][]ruleError, len(txs))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, p.maxWorkers)

	for i := range txs {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, 0, err
		}

		prof, ok := profiles[txs[i].ClientID]
		if !ok || prof == nil {
			wg.Wait()
			return nil, 0, fmt.Errorf("%w: no profile for client %d", domain.ErrData, txs[i].ClientID)
		}

		wg.Add(1)
		go func(idx int, prof *domain.ClientProfile) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			activation := p.activation(txs[idx], prof, features[idx], errs[idx], threshold)
			decisions[idx], ruleErrs[idx] = evaluateRules(rules, activation)
			decisions[idx].Index = idx
			decisions[idx].ReconstructionError = errs[idx]
			decisions[idx].Threshold = threshold
		}(i, prof)
	}

	wg.Wait()

	p.report(ctx, txs, decisions, ruleErrs)
	return decisions, threshold, nil
}

type ruleError struct {
	ruleID string
	err    error
}

// evaluateRules runs rules in order and stops at the first match. An
// evaluation error counts as a non-match.
func evaluateRules(rules []*CompiledRule, activation map[string]any) (Decision, []ruleError) {
	var errs []ruleError
	for _, r := range rules {
		out, _, err := r.Program.Eval(activation)
		if err != nil {
			errs = append(errs, ruleError{ruleID: r.Config.ID, err: err})
			continue
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			return Decision{
				Matched: true,
				RuleID:  r.Config.ID,
				Reason:  r.Config.Reason,
			}, errs
		}
	}
	return Decision{}, errs
}

func (p *Policy) activation(t domain.Transaction, prof *domain.ClientProfile, fv domain.FeatureVector, recErr, threshold float64) map[string]any {
	return map[string]any{
		"client_id":            int64(t.ClientID),
		"amount":               t.Amount,
		"distance":             profile.DistanceToPrimary(t, prof),
		"city":                 t.City,
		"primary_city":         prof.PrimaryCity,
		"hour":                 int64(t.Timestamp.Hour()),
		"day_of_week":          int64(t.Timestamp.Weekday()),
		"is_foreign":           fv[domain.FeatureIsForeign],
		"normalized_amount":    fv[domain.FeatureNormalizedAmount],
		"normalized_distance":  fv[domain.FeatureNormalizedDistance],
		"mean_amount":          prof.MeanAmount,
		"std_amount":           prof.StdAmount,
		"mean_distance":        prof.MeanDistance,
		"std_distance":         prof.StdDistance,
		"reconstruction_error": recErr,
		"threshold":            threshold,
		"extreme_sigma":        p.sigma,
	}
}

func (p *Policy) report(ctx context.Context, txs []domain.Transaction, decisions []Decision, ruleErrs [][]ruleError) {
	if p.observer == nil {
		return
	}
	now := time.Now().UTC()
	for i, d := range decisions {
		for _, re := range ruleErrs[i] {
			p.observer.Observe(ctx, domain.Event{
				Kind:      domain.EventRuleError,
				ClientID:  txs[i].ClientID,
				Index:     i,
				Fields:    map[string]any{"rule_id": re.ruleID, "error": re.err.Error()},
				Timestamp: now,
			})
		}
		if d.Matched {
			p.observer.Observe(ctx, domain.Event{
				Kind:     domain.EventRuleMatched,
				ClientID: txs[i].ClientID,
				Index:    i,
				Fields: map[string]any{
					"rule_id":              d.RuleID,
					"reason":               d.Reason,
					"reconstruction_error": d.ReconstructionError,
					"threshold":            d.Threshold,
				},
				Timestamp: now,
			})
		}
	}
}
