package detector

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

type countingScorer struct {
	calls atomic.Int32
	fn    func(ctx context.Context, m [][]float64) ([][]float64, error)
}

func (s *countingScorer) Score(ctx context.Context, m [][]float64) ([][]float64, error) {
	s.calls.Add(1)
	if s.fn != nil {
		return s.fn(ctx, m)
	}
	return scoring.Identity{}.Score(ctx, m)
}

func newDetector(t *testing.T, scorer domain.Scorer, timeout time.Duration, observer domain.Observer) *Detector {
	t.Helper()
	cfg := domain.DefaultConfig().Detection
	pol, err := policy.New(cfg, observer)
	require.NoError(t, err)
	return New(cfg, scorer, pol, timeout, observer)
}

func at(day, hour int) time.Time {
	return time.Date(2024, 2, day, hour, 0, 0, 0, time.UTC)
}

func homeBatch() []domain.Transaction {
	var txs []domain.Transaction
	for i := 0; i < 4; i++ {
		txs = append(txs, domain.Transaction{
			ClientID: 1, Timestamp: at(i+1, 12), Amount: 100,
			Latitude: 19.43, Longitude: -99.13, City: "Mexico City",
		})
	}
	return txs
}

func TestDetect_ForeignTransaction(t *testing.T) {
	scorer := &countingScorer{}
	d := newDetector(t, scorer, time.Second, nil)

	txs := append(homeBatch(), domain.Transaction{
		ClientID: 1, Timestamp: at(6, 9), Amount: 100,
		Latitude: 51.5, Longitude: -0.12, City: "London",
	})

	result, err := d.Detect(context.Background(), txs)
	require.NoError(t, err)

	require.Len(t, result.Alerts, 1)
	a := result.Alerts[0]
	assert.Equal(t, domain.ReasonForeignCity, a.Reason)
	assert.Equal(t, "London", a.City)
	assert.Equal(t, at(6, 9), a.Datetime)
	assert.Equal(t, 0.0, a.ReconstructionError)
	assert.Equal(t, result.Threshold, a.ErrorThreshold)

	assert.Equal(t, 5, result.TransactionCount)
	assert.Equal(t, 1, result.ClientCount)
	require.Len(t, result.Errors, 5)
	assert.Equal(t, "1_2024-02-06_09-00-00", result.Errors[4].TransactionID)
	assert.Equal(t, int32(1), scorer.calls.Load())
}

func TestDetect_EmptyBatchSkipsScorer(t *testing.T) {
	scorer := &countingScorer{}
	d := newDetector(t, scorer, time.Second, nil)

	result, err := d.Detect(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Alerts)
	assert.NotNil(t, result.Alerts)
	assert.Equal(t, int32(0), scorer.calls.Load())
}

func TestDetect_HighReconstructionError(t *testing.T) {
	// Ten home transactions; the scorer reconstructs the last one badly.
	var txs []domain.Transaction
	for i := 0; i < 10; i++ {
		txs = append(txs, domain.Transaction{
			ClientID: 2, Timestamp: at(i+1, 10), Amount: 50,
			Latitude: 40.0, Longitude: -3.7, City: "Madrid",
		})
	}
	scorer := &countingScorer{fn: func(ctx context.Context, m [][]float64) ([][]float64, error) {
		out, _ := scoring.Identity{}.Score(ctx, m)
		out[9][0] += 3
		return out, nil
	}}
	d := newDetector(t, scorer, time.Second, nil)

	result, err := d.Detect(context.Background(), txs)
	require.NoError(t, err)
	require.Len(t, result.Alerts, 1)
	assert.Equal(t, domain.ReasonHighReconstruction, result.Alerts[0].Reason)
	assert.InDelta(t, 9.0/5.0, result.Alerts[0].ReconstructionError, 1e-9)
	assert.Equal(t, 0.0, result.Threshold)
}

func TestDetect_AntipodalTransaction(t *testing.T) {
	var txs []domain.Transaction
	for i := 0; i < 4; i++ {
		txs = append(txs, domain.Transaction{
			ClientID: 7, Timestamp: at(i+1, 12), Amount: 80,
			Latitude: -2.48, Longitude: 10, City: "Port-Gentil",
		})
	}
	txs = append(txs, domain.Transaction{
		ClientID: 7, Timestamp: at(8, 12), Amount: 80,
		Latitude: 2.48, Longitude: -170, City: "Pacific",
	})

	d := newDetector(t, &countingScorer{}, time.Second, nil)
	result, err := d.Detect(context.Background(), txs)
	require.NoError(t, err)

	assert.False(t, math.IsNaN(result.Threshold))
	for _, e := range result.Errors {
		assert.False(t, math.IsNaN(e.ReconstructionError), "error for %s", e.TransactionID)
	}
	require.Len(t, result.Alerts, 1)
	assert.Equal(t, domain.ReasonExtremeAmountOrDist, result.Alerts[0].Reason)
	assert.Equal(t, "Pacific", result.Alerts[0].City)
}

func TestDetect_AlertCountBounded(t *testing.T) {
	var txs []domain.Transaction
	cities := []string{"London", "Paris", "Sydney", "New York"}
	for i, c := range cities {
		txs = append(txs, domain.Transaction{ClientID: i, Timestamp: at(1, 1), Amount: 1, City: c})
	}

	d := newDetector(t, &countingScorer{}, time.Second, nil)
	result, err := d.Detect(context.Background(), txs)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Alerts), len(txs))
	// Listed cities are foreign even as the primary city
	assert.Len(t, result.Alerts, 4)
}

func TestDetect_ScorerFailures(t *testing.T) {
	tests := []struct {
		name string
		fn   func(ctx context.Context, m [][]float64) ([][]float64, error)
	}{
		{"timeout", func(ctx context.Context, m [][]float64) ([][]float64, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		{"row count", func(ctx context.Context, m [][]float64) ([][]float64, error) {
			return m[:len(m)-1], nil
		}},
		{"row width", func(ctx context.Context, m [][]float64) ([][]float64, error) {
			out := make([][]float64, len(m))
			for i := range out {
				out[i] = []float64{0}
			}
			return out, nil
		}},
		{"backend error", func(ctx context.Context, m [][]float64) ([][]float64, error) {
			return nil, errors.New("connection refused")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDetector(t, &countingScorer{fn: tt.fn}, 20*time.Millisecond, nil)
			result, err := d.Detect(context.Background(), homeBatch())
			assert.Nil(t, result)
			assert.ErrorIs(t, err, domain.ErrModel)
		})
	}
}

func TestDetectTransaction(t *testing.T) {
	d := newDetector(t, &countingScorer{}, time.Second, nil)

	t.Run("clean", func(t *testing.T) {
		current := domain.Transaction{
			ClientID: 1, Timestamp: at(10, 8), Amount: 100,
			Latitude: 19.43, Longitude: -99.13, City: "Mexico City",
		}
		res, err := d.DetectTransaction(context.Background(), homeBatch(), current)
		require.NoError(t, err)
		assert.False(t, res.IsFraud)
		assert.Equal(t, domain.ReasonNone, res.Reason)
		assert.Equal(t, "1_2024-02-10_08-00-00", res.TransactionID)
		assert.Equal(t, 4, res.HistorySize)
		require.NotNil(t, res.ReconstructionError)
		require.NotNil(t, res.ErrorThreshold)

		require.Len(t, res.ErrorSeries, 5)
		assert.Equal(t, "1_2024-02-01_12-00-00", res.ErrorSeries[0].TransactionID)
		last := res.ErrorSeries[4]
		assert.Equal(t, res.TransactionID, last.TransactionID)
		assert.Equal(t, *res.ReconstructionError, last.ReconstructionError)
	})

	t.Run("foreign", func(t *testing.T) {
		current := domain.Transaction{
			ClientID: 1, Timestamp: at(10, 8), Amount: 100,
			Latitude: 48.85, Longitude: 2.35, City: "Paris",
		}
		res, err := d.DetectTransaction(context.Background(), homeBatch(), current)
		require.NoError(t, err)
		assert.True(t, res.IsFraud)
		assert.Equal(t, domain.ReasonForeignCity, res.Reason)
	})

	t.Run("no history", func(t *testing.T) {
		current := domain.Transaction{
			ClientID: 9, Timestamp: at(10, 8), Amount: 100,
			Latitude: 19.43, Longitude: -99.13, City: "Mexico City",
		}
		res, err := d.DetectTransaction(context.Background(), nil, current)
		require.NoError(t, err)
		assert.False(t, res.IsFraud)
		assert.Equal(t, 0, res.HistorySize)
	})
}

func TestDetect_ObserverEvents(t *testing.T) {
	var mu sync.Mutex
	counts := make(map[string]int)
	obs := domain.ObserverFunc(func(_ context.Context, e domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		counts[e.Kind]++
	})

	d := newDetector(t, &countingScorer{}, time.Second, obs)
	txs := append(homeBatch(), domain.Transaction{
		ClientID: 1, Timestamp: at(6, 9), Amount: 100,
		Latitude: 51.5, Longitude: -0.12, City: "London",
	})
	_, err := d.Detect(context.Background(), txs)
	require.NoError(t, err)

	assert.Equal(t, 1, counts[domain.EventProfileComputed])
	assert.Equal(t, 5, counts[domain.EventTransactionEncoded])
	assert.Equal(t, 1, counts[domain.EventThresholdComputed])
	assert.Equal(t, 1, counts[domain.EventRuleMatched])
}

func TestMultiObserver(t *testing.T) {
	assert.Nil(t, MultiObserver(nil, nil))

	var a, b int
	obs := MultiObserver(
		domain.ObserverFunc(func(context.Context, domain.Event) { a++ }),
		nil,
		domain.ObserverFunc(func(context.Context, domain.Event) { b++ }),
	)
	obs.Observe(context.Background(), domain.Event{Kind: "x"})
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}
