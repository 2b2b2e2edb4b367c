package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestPolicy(t *testing.T, observer domain.Observer) *Policy {
	t.Helper()
	p, err := New(domain.DetectionConfig{ThresholdPercentile: 0.80, ExtremeSigma: 1.5, ProfileWorkers: 4}, observer)
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	return p
}

func testProfile() *domain.ClientProfile {
	return &domain.ClientProfile{
		ClientID:         1,
		PrimaryLatitude:  19.43,
		PrimaryLongitude: -99.13,
		PrimaryCity:      "Mexico City",
		MeanAmount:       100,
		StdAmount:        10,
		MeanDistance:     0,
		StdDistance:      1000,
	}
}

func homeTx(amount float64) domain.Transaction {
	return domain.Transaction{
		ClientID:  1,
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Amount:    amount,
		Latitude:  19.43,
		Longitude: -99.13,
		City:      "Mexico City",
	}
}

func zeros(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, domain.FeatureDim)
	}
	return m
}

func TestThreshold(t *testing.T) {
	errs := []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	if got := Threshold(errs, 0.80); got != 9 {
		t.Errorf("expected sorted[8] = 9, got %v", got)
	}

	if got := Threshold([]float64{0.5}, 0.80); got != 0.5 {
		t.Errorf("expected single element, got %v", got)
	}

	if got := Threshold([]float64{1, 2}, 1.0); got != 2 {
		t.Errorf("expected index clamped to last element, got %v", got)
	}

	if got := Threshold(nil, 0.80); got != 0 {
		t.Errorf("expected 0 for empty errors, got %v", got)
	}

	if errs[0] != 10 {
		t.Error("Threshold must not reorder its input")
	}
}

func TestReconstructionErrors(t *testing.T) {
	features := [][]float64{{1, 2, 3, 4, 5}, {0, 0, 0, 0, 0}}
	recon := [][]float64{{1, 2, 3, 4, 5}, {1, 1, 1, 1, 6}}

	errs := ReconstructionErrors(features, recon)
	if errs[0] != 0 {
		t.Errorf("expected perfect reconstruction to score 0, got %v", errs[0])
	}
	// (1+1+1+1+36)/5
	if errs[1] != 8 {
		t.Errorf("expected 8, got %v", errs[1])
	}
}

func TestBuiltinRulesCompile(t *testing.T) {
	p := newTestPolicy(t, nil)

	rules := p.Rules()
	if len(rules) != 3 {
		t.Fatalf("expected 3 built-in rules, got %d", len(rules))
	}

	want := []string{domain.RuleForeignCity, domain.RuleHighReconstruction, domain.RuleExtremeAmountOrDist}
	for i, id := range want {
		if rules[i].ID != id {
			t.Errorf("rule %d: expected %s, got %s", i, id, rules[i].ID)
		}
	}
}

func TestEvaluate_ForeignWinsOverExtremeAmount(t *testing.T) {
	p := newTestPolicy(t, nil)
	prof := testProfile()

	tx := homeTx(100000)
	tx.City = "London"
	fv := domain.FeatureVector{9000, 0, 10, 3, 1}

	decisions, _, err := p.Evaluate(context.Background(),
		[]domain.Transaction{tx},
		map[int]*domain.ClientProfile{1: prof},
		[]domain.FeatureVector{fv},
		[][]float64{fv[:]},
	)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if !decisions[0].Matched {
		t.Fatal("expected a match")
	}
	if decisions[0].Reason != domain.ReasonForeignCity {
		t.Errorf("expected %q, got %q", domain.ReasonForeignCity, decisions[0].Reason)
	}
}

func TestEvaluate_HighReconstructionError(t *testing.T) {
	p := newTestPolicy(t, nil)
	prof := testProfile()

	txs := make([]domain.Transaction, 10)
	features := make([]domain.FeatureVector, 10)
	recon := zeros(10)
	for i := range txs {
		txs[i] = homeTx(100)
	}
	// Row 9 has the only nonzero error; threshold = sorted[8] = 0.
	recon[9][0] = 5

	decisions, threshold, err := p.Evaluate(context.Background(), txs, map[int]*domain.ClientProfile{1: prof}, features, recon)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if threshold != 0 {
		t.Errorf("expected threshold 0, got %v", threshold)
	}

	for i, d := range decisions {
		if i == 9 {
			if !d.Matched || d.Reason != domain.ReasonHighReconstruction {
				t.Errorf("row 9: expected high reconstruction error, got %+v", d)
			}
			if d.ReconstructionError != 5 {
				t.Errorf("row 9: expected error 5, got %v", d.ReconstructionError)
			}
			continue
		}
		if d.Matched {
			t.Errorf("row %d: unexpected match %+v", i, d)
		}
		if d.Index != i {
			t.Errorf("row %d: decision index %d", i, d.Index)
		}
	}
}

func TestEvaluate_ExtremeAmount(t *testing.T) {
	p := newTestPolicy(t, nil)
	prof := testProfile()

	tests := []struct {
		name    string
		amount  float64
		matched bool
	}{
		{"within band", 114, false},
		{"at boundary", 115, false},
		{"above band", 116, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decisions, _, err := p.Evaluate(context.Background(),
				[]domain.Transaction{homeTx(tt.amount)},
				map[int]*domain.ClientProfile{1: prof},
				[]domain.FeatureVector{{}},
				zeros(1),
			)
			if err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}
			if decisions[0].Matched != tt.matched {
				t.Errorf("expected matched=%v, got %+v", tt.matched, decisions[0])
			}
			if tt.matched && decisions[0].Reason != domain.ReasonExtremeAmountOrDist {
				t.Errorf("unexpected reason %q", decisions[0].Reason)
			}
		})
	}
}

func TestEvaluate_ExtremeDistance(t *testing.T) {
	p := newTestPolicy(t, nil)
	prof := testProfile()

	// ~111 km north of the primary location, far above 0 + 1.5 * 1000 m
	tx := homeTx(100)
	tx.Latitude += 1

	decisions, _, err := p.Evaluate(context.Background(),
		[]domain.Transaction{tx},
		map[int]*domain.ClientProfile{1: prof},
		[]domain.FeatureVector{{}},
		zeros(1),
	)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if decisions[0].Reason != domain.ReasonExtremeAmountOrDist {
		t.Errorf("expected extreme distance, got %+v", decisions[0])
	}
}

func TestEvaluate_CustomRuleRunsAfterBuiltins(t *testing.T) {
	p := newTestPolicy(t, nil)

	err := p.ReloadRules([]*domain.RuleConfig{
		{
			ID:         "night-owl",
			Name:       "Night Owl",
			Expression: "hour >= 0 && hour < 24 && amount > 50.0",
			Reason:     "Custom amount rule",
			Priority:   100,
			Enabled:    true,
		},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	prof := testProfile()
	foreign := homeTx(100)
	foreign.City = "Paris"

	decisions, _, err := p.Evaluate(context.Background(),
		[]domain.Transaction{homeTx(100), foreign},
		map[int]*domain.ClientProfile{1: prof},
		[]domain.FeatureVector{{}, {0, 0, 10, 3, 1}},
		zeros(2),
	)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if decisions[0].Reason != "Custom amount rule" {
		t.Errorf("expected custom rule to match, got %+v", decisions[0])
	}
	if decisions[1].Reason != domain.ReasonForeignCity {
		t.Errorf("expected built-in rule to win, got %+v", decisions[1])
	}
}

func TestReloadRules_Rejects(t *testing.T) {
	p := newTestPolicy(t, nil)

	tests := []struct {
		name string
		rule *domain.RuleConfig
	}{
		{"invalid CEL", &domain.RuleConfig{ID: "bad", Expression: "this is not valid CEL !!!", Reason: "x", Priority: 100}},
		{"non-bool", &domain.RuleConfig{ID: "num", Expression: "amount * 2.0", Reason: "x", Priority: 100}},
		{"low priority", &domain.RuleConfig{ID: "early", Expression: "true", Reason: "x", Priority: 5}},
		{"reserved id", &domain.RuleConfig{ID: domain.RuleForeignCity, Expression: "true", Reason: "x", Priority: 100}},
		{"missing reason", &domain.RuleConfig{ID: "noreason", Expression: "true", Priority: 100}},
		{"unknown variable", &domain.RuleConfig{ID: "unk", Expression: "currency == 'USD'", Reason: "x", Priority: 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.ReloadRules([]*domain.RuleConfig{tt.rule})
			if !errors.Is(err, ErrInvalidRule) {
				t.Errorf("expected ErrInvalidRule, got %v", err)
			}
			if len(p.Rules()) != 3 {
				t.Errorf("failed reload must keep the previous rule set")
			}
		})
	}
}

func TestReloadRules_DisabledRuleNotEvaluated(t *testing.T) {
	p := newTestPolicy(t, nil)

	err := p.ReloadRules([]*domain.RuleConfig{
		{ID: "always", Expression: "true", Reason: "Always", Priority: 100, Enabled: false},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if len(p.Rules()) != 3 {
		t.Errorf("expected only built-in rules to be active, got %d", len(p.Rules()))
	}
	if len(p.CustomRules()) != 1 {
		t.Errorf("expected disabled rule to be listed, got %d", len(p.CustomRules()))
	}
}

func TestEvaluate_RuntimeErrorIsNonMatch(t *testing.T) {
	var mu sync.Mutex
	var kinds []string
	obs := domain.ObserverFunc(func(_ context.Context, e domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
	})
	p := newTestPolicy(t, obs)

	err := p.ReloadRules([]*domain.RuleConfig{
		{ID: "div", Expression: "client_id / (client_id - 1) > 0", Reason: "Div", Priority: 100, Enabled: true},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	decisions, _, err := p.Evaluate(context.Background(),
		[]domain.Transaction{homeTx(100)},
		map[int]*domain.ClientProfile{1: testProfile()},
		[]domain.FeatureVector{{}},
		zeros(1),
	)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if decisions[0].Matched {
		t.Errorf("expected no match, got %+v", decisions[0])
	}

	var sawRuleError bool
	for _, k := range kinds {
		if k == domain.EventRuleError {
			sawRuleError = true
		}
	}
	if !sawRuleError {
		t.Errorf("expected a rule.error event, got %v", kinds)
	}
}

func TestEvaluate_ShapeMismatch(t *testing.T) {
	p := newTestPolicy(t, nil)
	profiles := map[int]*domain.ClientProfile{1: testProfile()}
	txs := []domain.Transaction{homeTx(100)}

	_, _, err := p.Evaluate(context.Background(), txs, profiles, []domain.FeatureVector{{}}, zeros(2))
	if !errors.Is(err, domain.ErrModel) {
		t.Errorf("expected ErrModel for row count mismatch, got %v", err)
	}

	_, _, err = p.Evaluate(context.Background(), txs, profiles, []domain.FeatureVector{{}}, [][]float64{{1, 2}})
	if !errors.Is(err, domain.ErrModel) {
		t.Errorf("expected ErrModel for width mismatch, got %v", err)
	}

	_, _, err = p.Evaluate(context.Background(), txs, map[int]*domain.ClientProfile{}, []domain.FeatureVector{{}}, zeros(1))
	if !errors.Is(err, domain.ErrData) {
		t.Errorf("expected ErrData for missing profile, got %v", err)
	}
}

func TestConcurrentReloadAndEvaluate(t *testing.T) {
	p := newTestPolicy(t, nil)
	profiles := map[int]*domain.ClientProfile{1: testProfile()}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, err := p.Evaluate(context.Background(), []domain.Transaction{homeTx(100)}, profiles, []domain.FeatureVector{{}}, zeros(1))
			if err != nil {
				t.Errorf("evaluate failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_ = p.ReloadRules([]*domain.RuleConfig{
				{ID: "r", Expression: "amount > 1000.0", Reason: "R", Priority: 100, Enabled: true},
			})
		}()
	}
	wg.Wait()
}
