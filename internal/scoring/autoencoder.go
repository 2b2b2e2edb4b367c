package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Activation names accepted in a model file.
const (
	ActivationReLU   = "relu"
	ActivationLinear = "linear"
)

// Layer is one dense layer. Weights has one row per output unit, each row
// as wide as the layer input.
type Layer struct {
	Weights    [][]float64 `json:"weights"`
	Biases     []float64   `json:"biases"`
	Activation string      `json:"activation"`
}

// Model is the JSON export of a trained autoencoder.
type Model struct {
	Name   string  `json:"name,omitempty"`
	Layers []Layer `json:"layers"`
}

// Autoencoder runs a dense feed-forward network in process.
type Autoencoder struct {
	model Model
}

// LoadAutoencoder reads and validates a model file.
func LoadAutoencoder(path string) (*Autoencoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read model %s: %v", domain.ErrIO, path, err)
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode model %s: %v", domain.ErrModel, path, err)
	}
	return NewAutoencoder(m)
}

// NewAutoencoder validates layer dimensions: the first layer takes
// FeatureDim inputs, each layer feeds the next, and the last layer
// produces FeatureDim outputs.
func NewAutoencoder(m Model) (*Autoencoder, error) {
	if len(m.Layers) == 0 {
		return nil, fmt.Errorf("%w: model has no layers", domain.ErrModel)
	}

	in := domain.FeatureDim
	for i, l := range m.Layers {
		if len(l.Weights) == 0 {
			return nil, fmt.Errorf("%w: layer %d has no units", domain.ErrModel, i)
		}
		if len(l.Biases) != len(l.Weights) {
			return nil, fmt.Errorf("%w: layer %d has %d biases for %d units", domain.ErrModel, i, len(l.Biases), len(l.Weights))
		}
		for j, w := range l.Weights {
			if len(w) != in {
				return nil, fmt.Errorf("%w: layer %d unit %d has %d weights, want %d", domain.ErrModel, i, j, len(w), in)
			}
		}
		switch l.Activation {
		case ActivationReLU, ActivationLinear, "":
		default:
			return nil, fmt.Errorf("%w: layer %d has unknown activation %q", domain.ErrModel, i, l.Activation)
		}
		in = len(l.Weights)
	}
	if in != domain.FeatureDim {
		return nil, fmt.Errorf("%w: model output width %d, want %d", domain.ErrModel, in, domain.FeatureDim)
	}

	return &Autoencoder{model: m}, nil
}

// Score runs the forward pass for every row.
func (a *Autoencoder) Score(ctx context.Context, features [][]float64) ([][]float64, error) {
	out := make([][]float64, len(features))
	for i, row := range features {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(row) != domain.FeatureDim {
			return nil, fmt.Errorf("%w: input row %d has width %d", domain.ErrModel, i, len(row))
		}
		out[i] = a.forward(row)
	}
	return out, nil
}

func (a *Autoencoder) forward(x []float64) []float64 {
	for _, l := range a.model.Layers {
		next := make([]float64, len(l.Weights))
		for u, w := range l.Weights {
			sum := l.Biases[u]
			for k, v := range x {
				sum += w[k] * v
			}
			if l.Activation == ActivationReLU && sum < 0 {
				sum = 0
			}
			next[u] = sum
		}
		x = next
	}
	return x
}
