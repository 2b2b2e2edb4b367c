package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func identityMatrix(n int) [][]float64 {
	w := make([][]float64, n)
	for i := range w {
		w[i] = make([]float64, domain.FeatureDim)
		if i < domain.FeatureDim {
			w[i][i] = 1
		}
	}
	return w
}

func TestIdentity(t *testing.T) {
	in := [][]float64{{1, 2, 3, 4, 5}}
	out, err := Identity{}.Score(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out[0][0] = 42
	assert.Equal(t, 1.0, in[0][0])
}

func TestCheckShape(t *testing.T) {
	in := [][]float64{{1, 2, 3, 4, 5}, {1, 2, 3, 4, 5}}

	assert.NoError(t, CheckShape(in, [][]float64{{0, 0, 0, 0, 0}, {0, 0, 0, 0, 0}}))
	assert.ErrorIs(t, CheckShape(in, [][]float64{{0, 0, 0, 0, 0}}), domain.ErrModel)
	assert.ErrorIs(t, CheckShape(in, [][]float64{{0, 0, 0, 0, 0}, {0, 0, 0}}), domain.ErrModel)
}

func TestAutoencoder_Forward(t *testing.T) {
	// 5 -> 5 ReLU identity -> 5 linear doubling
	double := identityMatrix(domain.FeatureDim)
	for i := range double {
		double[i][i] = 2
	}
	m := Model{Layers: []Layer{
		{Weights: identityMatrix(domain.FeatureDim), Biases: make([]float64, 5), Activation: ActivationReLU},
		{Weights: double, Biases: []float64{1, 0, 0, 0, 0}, Activation: ActivationLinear},
	}}

	ae, err := NewAutoencoder(m)
	require.NoError(t, err)

	out, err := ae.Score(context.Background(), [][]float64{{1, -1, 2, 0, 3}})
	require.NoError(t, err)
	// -1 is clipped by the ReLU layer
	assert.Equal(t, []float64{3, 0, 4, 0, 6}, out[0])
}

func TestAutoencoder_Validation(t *testing.T) {
	tests := []struct {
		name  string
		model Model
	}{
		{"no layers", Model{}},
		{"bias mismatch", Model{Layers: []Layer{{Weights: identityMatrix(5), Biases: []float64{0}}}}},
		{"input width", Model{Layers: []Layer{{Weights: [][]float64{{1, 2}}, Biases: []float64{0}}}}},
		{"output width", Model{Layers: []Layer{{Weights: [][]float64{{1, 1, 1, 1, 1}}, Biases: []float64{0}}}}},
		{"activation", Model{Layers: []Layer{{Weights: identityMatrix(5), Biases: make([]float64, 5), Activation: "tanh"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAutoencoder(tt.model)
			assert.ErrorIs(t, err, domain.ErrModel)
		})
	}
}

func TestLoadAutoencoder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")

	m := Model{Name: "test", Layers: []Layer{
		{Weights: identityMatrix(5), Biases: make([]float64, 5), Activation: ActivationLinear},
	}}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	ae, err := LoadAutoencoder(path)
	require.NoError(t, err)
	out, err := ae.Score(context.Background(), [][]float64{{1, 2, 3, 4, 5}})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, out[0])

	_, err = LoadAutoencoder(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, domain.ErrIO)
}

func TestHTTPScorer(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req scoreRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(scoreResponse{Outputs: req.Inputs})
		}))
		defer srv.Close()

		s := NewHTTPScorer(srv.URL, time.Second)
		out, err := s.Score(context.Background(), [][]float64{{1, 2, 3, 4, 5}})
		require.NoError(t, err)
		assert.Equal(t, [][]float64{{1, 2, 3, 4, 5}}, out)
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := NewHTTPScorer(srv.URL, time.Second).Score(context.Background(), [][]float64{{0, 0, 0, 0, 0}})
		assert.ErrorIs(t, err, domain.ErrModel)
	})

	t.Run("unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewHTTPScorer(url, time.Second).Score(context.Background(), [][]float64{{0, 0, 0, 0, 0}})
		assert.ErrorIs(t, err, domain.ErrModel)
	})
}

func TestNew(t *testing.T) {
	s, err := New(domain.ScoringConfig{})
	require.NoError(t, err)
	assert.IsType(t, Identity{}, s)

	s, err = New(domain.ScoringConfig{Backend: "http", URL: "http://localhost:1"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPScorer{}, s)

	_, err = New(domain.ScoringConfig{Backend: "autoencoder"})
	assert.Error(t, err)

	_, err = New(domain.ScoringConfig{Backend: "onnx"})
	assert.Error(t, err)
}
