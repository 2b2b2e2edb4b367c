// Package scoring provides AnomalyScorer backends that reconstruct feature matrices.
package scoring

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a scorer based on configuration.
// "autoencoder" loads weights from ModelPath, "http" calls a model server
// at URL, "identity" (or empty) returns its input unchanged.
func New(cfg domain.ScoringConfig) (domain.Scorer, error) {
	switch cfg.Backend {
	case "", "identity":
		return Identity{}, nil

	case "autoencoder":
		if cfg.ModelPath == "" {
			return nil, fmt.Errorf("%w: autoencoder backend requires a model path", domain.ErrModel)
		}
		ae, err := LoadAutoencoder(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		return ae, nil

	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: http backend requires a url", domain.ErrModel)
		}
		return NewHTTPScorer(cfg.URL, cfg.Timeout), nil

	default:
		return nil, fmt.Errorf("unsupported scoring backend: %s", cfg.Backend)
	}
}

// Identity reconstructs every row perfectly, so all errors are zero and only
// the deterministic rules can raise alerts.
type Identity struct{}

// Score returns a copy of features.
func (Identity) Score(ctx context.Context, features [][]float64) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(features))
	for i, row := range features {
		out[i] = append([]float64(nil), row...)
	}
	return out, nil
}

// CheckShape verifies that out has the same row count as in and that every
// row of out is FeatureDim wide.
func CheckShape(in, out [][]float64) error {
	if len(out) != len(in) {
		return fmt.Errorf("%w: scorer returned %d rows for %d inputs", domain.ErrModel, len(out), len(in))
	}
	for i, row := range out {
		if len(row) != domain.FeatureDim {
			return fmt.Errorf("%w: scorer row %d has width %d, want %d", domain.ErrModel, i, len(row), domain.FeatureDim)
		}
	}
	return nil
}
