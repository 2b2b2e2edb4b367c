// Package features encodes transactions into normalized feature vectors.
package features

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profile"
)

// Epsilon is added to a standard deviation before dividing by it.
const Epsilon = 1e-6

// Encoder turns transactions into feature vectors using their client profiles.
type Encoder struct {
	foreign  map[string]struct{}
	observer domain.Observer
}

// NewEncoder creates an encoder. Cities in foreignCities are always flagged
// as foreign; nil selects domain.DefaultForeignCities.
func NewEncoder(foreignCities []string, observer domain.Observer) *Encoder {
	if foreignCities == nil {
		foreignCities = domain.DefaultForeignCities
	}
	foreign := make(map[string]struct{}, len(foreignCities))
	for _, c := range foreignCities {
		foreign[c] = struct{}{}
	}
	return &Encoder{foreign: foreign, observer: observer}
}

// Encode returns one vector per transaction in input order. A transaction
// whose client has no profile fails with domain.ErrData.
func (e *Encoder) Encode(ctx context.Context, txs []domain.Transaction, profiles map[int]*domain.ClientProfile) ([]domain.FeatureVector, error) {
	vectors := make([]domain.FeatureVector, len(txs))
	for i, t := range txs {
		prof, ok := profiles[t.ClientID]
		if !ok || prof == nil {
			return nil, fmt.Errorf("%w: no profile for client %d", domain.ErrData, t.ClientID)
		}
		vectors[i] = e.EncodeOne(t, prof)

		if e.observer != nil {
			e.observer.Observe(ctx, domain.Event{
				Kind:     domain.EventTransactionEncoded,
				ClientID: t.ClientID,
				Index:    i,
				Fields: map[string]any{
					"features": vectors[i],
					"city":     t.City,
				},
				Timestamp: time.Now().UTC(),
			})
		}
	}
	return vectors, nil
}

// EncodeOne encodes a single transaction against its profile.
func (e *Encoder) EncodeOne(t domain.Transaction, prof *domain.ClientProfile) domain.FeatureVector {
	distance := profile.DistanceToPrimary(t, prof)

	var v domain.FeatureVector
	v[domain.FeatureNormalizedAmount] = (t.Amount - prof.MeanAmount) / (prof.StdAmount + Epsilon)
	v[domain.FeatureNormalizedDistance] = (distance - prof.MeanDistance) / (prof.StdDistance + Epsilon)
	v[domain.FeatureHourOfDay] = float64(t.Timestamp.Hour())
	v[domain.FeatureDayOfWeek] = float64(t.Timestamp.Weekday())
	if e.IsForeign(t.City, prof.PrimaryCity) {
		v[domain.FeatureIsForeign] = 1
	}
	return v
}

// IsForeign reports whether city differs from the primary city or is on
// the foreign list.
func (e *Encoder) IsForeign(city, primaryCity string) bool {
	if city != primaryCity {
		return true
	}
	_, listed := e.foreign[city]
	return listed
}

// Matrix converts vectors into the N x FeatureDim matrix form used by scorers.
func Matrix(vectors []domain.FeatureVector) [][]float64 {
	m := make([][]float64, len(vectors))
	for i := range vectors {
		row := make([]float64, domain.FeatureDim)
		copy(row, vectors[i][:])
		m[i] = row
	}
	return m
}
