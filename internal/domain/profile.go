package domain

// ClientProfile is the behavioral baseline derived for one client from the
// current batch. Profiles are recomputed per batch and never persisted.
type ClientProfile struct {
	ClientID         int     `json:"idClient"`
	PrimaryLatitude  float64 `json:"primaryLatitude"`
	PrimaryLongitude float64 `json:"primaryLongitude"`
	PrimaryCity      string  `json:"primaryCity"`
	MeanAmount       float64 `json:"meanAmount"`
	StdAmount        float64 `json:"stdAmount"`
	MeanDistance     float64 `json:"meanDistance"`
	StdDistance      float64 `json:"stdDistance"`

	TransactionCount int            `json:"transactionCount"`
	CityCounts       map[string]int `json:"cityCounts,omitempty"`
}

// FeatureDim is the width of a feature vector and of a scorer row.
const FeatureDim = 5

// Feature vector column indices.
const (
	FeatureNormalizedAmount = iota
	FeatureNormalizedDistance
	FeatureHourOfDay
	FeatureDayOfWeek
	FeatureIsForeign
)

// FeatureVector is the encoded form of one transaction.
type FeatureVector [FeatureDim]float64

// IsForeign reports whether the foreign-city flag is set.
func (v FeatureVector) IsForeign() bool {
	return v[FeatureIsForeign] == 1
}
