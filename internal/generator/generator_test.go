package generator

import (
	"bytes"
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/loader"
)

func smallConfig() Config {
	return Config{
		Clients:        5,
		FirstClientID:  1000,
		Start:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		ForeignClients: 5,
		UnusualClients: 5,
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	a := New(smallConfig(), 42).Generate()
	b := New(smallConfig(), 42).Generate()
	require.NotEmpty(t, a)
	assert.Equal(t, a, b)

	c := New(smallConfig(), 43).Generate()
	assert.NotEqual(t, a, c)
}

func TestGenerate_Bounds(t *testing.T) {
	cfg := smallConfig()
	txs := New(cfg, 7).Generate()

	perClient := make(map[int]int)
	for _, tx := range txs {
		perClient[tx.ClientID]++

		assert.False(t, tx.Timestamp.Before(cfg.Start), "timestamp %v before start", tx.Timestamp)
		assert.False(t, tx.Timestamp.After(cfg.End), "timestamp %v after end", tx.Timestamp)

		normal := tx.Amount >= 10 && tx.Amount <= 500
		fraud := tx.Amount >= 10000 && tx.Amount <= 50000
		assert.True(t, normal || fraud, "amount %v out of range", tx.Amount)
		assert.NotEmpty(t, tx.City)
	}

	assert.Len(t, perClient, cfg.Clients)
	for id, n := range perClient {
		assert.GreaterOrEqual(t, id, cfg.FirstClientID)
		// January and February each carry at least five transactions
		assert.GreaterOrEqual(t, n, 10)
	}
}

func TestGenerate_ForeignClientsTravelInFirstMonth(t *testing.T) {
	cfg := smallConfig()
	txs := New(cfg, 99).Generate()

	travelled := make(map[int]bool)
	for _, tx := range txs {
		if tx.Timestamp.Month() == time.January && slices.Contains(TravelCities, tx.City) {
			travelled[tx.ClientID] = true
		}
	}
	assert.Len(t, travelled, cfg.ForeignClients)
}

func TestGenerate_CSVRoundTrip(t *testing.T) {
	txs := New(smallConfig(), 1).Generate()

	var buf bytes.Buffer
	require.NoError(t, loader.WriteCSV(&buf, txs))

	back, err := loader.ReadCSV(context.Background(), &buf)
	require.NoError(t, err)
	require.Len(t, back, len(txs))
	assert.Equal(t, txs[0].ClientID, back[0].ClientID)
	assert.Equal(t, txs[0].Amount, back[0].Amount)
	assert.True(t, txs[0].Timestamp.Equal(back[0].Timestamp))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 100, cfg.Clients)
	assert.Equal(t, 1000, cfg.FirstClientID)
	assert.Equal(t, "2025-06-23", cfg.End.Format("2006-01-02"))
}

func TestMonths(t *testing.T) {
	g := New(DefaultConfig(), 1)
	months := g.months()
	assert.Len(t, months, 18)
	assert.Equal(t, time.June, months[len(months)-1].Month())
}
