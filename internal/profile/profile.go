// Package profile derives per-client behavioral baselines from a transaction batch.
package profile

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EarthRadiusMeters is the mean Earth radius used for haversine distances.
const EarthRadiusMeters = 6371000.0

// Profiler computes one ClientProfile per distinct client in a batch.
type Profiler struct {
	maxWorkers int
	observer   domain.Observer
}

// NewProfiler creates a profiler. maxWorkers bounds per-client parallelism;
// observer may be nil.
func NewProfiler(maxWorkers int, observer domain.Observer) *Profiler {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	return &Profiler{
		maxWorkers: maxWorkers,
		observer:   observer,
	}
}

// Compute builds the profile mapping for the batch. An empty batch yields an
// empty mapping and no error.
func (p *Profiler) Compute(ctx context.Context, txs []domain.Transaction) (map[int]*domain.ClientProfile, error) {
	profiles := make(map[int]*domain.ClientProfile)
	if len(txs) == 0 {
		return profiles, nil
	}

	groups := make(map[int][]domain.Transaction)
	for _, t := range txs {
		groups[t.ClientID] = append(groups[t.ClientID], t)
	}

	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	results := make([]*domain.ClientProfile, len(ids))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, p.maxWorkers)

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}

		wg.Add(1)
		go func(idx, clientID int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = computeClient(clientID, groups[clientID])
		}(i, id)
	}

	wg.Wait()

	for _, prof := range results {
		profiles[prof.ClientID] = prof
		p.emit(ctx, prof)
	}

	return profiles, nil
}

func (p *Profiler) emit(ctx context.Context, prof *domain.ClientProfile) {
	if p.observer == nil {
		return
	}
	p.observer.Observe(ctx, domain.Event{
		Kind:     domain.EventProfileComputed,
		ClientID: prof.ClientID,
		Fields: map[string]any{
			"city_counts":   prof.CityCounts,
			"primary_city":  prof.PrimaryCity,
			"mean_amount":   prof.MeanAmount,
			"std_amount":    prof.StdAmount,
			"mean_distance": prof.MeanDistance,
			"std_distance":  prof.StdDistance,
		},
		Timestamp: time.Now().UTC(),
	})
}

// computeClient builds the profile for one client's transactions.
func computeClient(clientID int, txs []domain.Transaction) *domain.ClientProfile {
	lats := make([]float64, len(txs))
	lons := make([]float64, len(txs))
	amounts := make([]float64, len(txs))
	cityCounts := make(map[string]int)

	for i, t := range txs {
		lats[i] = t.Latitude
		lons[i] = t.Longitude
		amounts[i] = t.Amount
		cityCounts[t.City]++
	}

	// Latitude and longitude medians are independent and need not come
	// from the same transaction.
	primaryLat := LowerMedian(lats)
	primaryLon := LowerMedian(lons)

	distances := make([]float64, len(txs))
	for i, t := range txs {
		distances[i] = Haversine(t.Latitude, t.Longitude, primaryLat, primaryLon)
	}

	meanAmount, stdAmount := MeanStd(amounts)
	meanDistance, stdDistance := MeanStd(distances)

	return &domain.ClientProfile{
		ClientID:         clientID,
		PrimaryLatitude:  primaryLat,
		PrimaryLongitude: primaryLon,
		PrimaryCity:      Mode(cityCounts),
		MeanAmount:       meanAmount,
		StdAmount:        stdAmount,
		MeanDistance:     meanDistance,
		StdDistance:      stdDistance,
		TransactionCount: len(txs),
		CityCounts:       cityCounts,
	}
}

// DistanceToPrimary is the haversine distance in metres from t to the
// profile's primary location.
func DistanceToPrimary(t domain.Transaction, prof *domain.ClientProfile) float64 {
	return Haversine(t.Latitude, t.Longitude, prof.PrimaryLatitude, prof.PrimaryLongitude)
}

// Haversine returns the great-circle distance in metres between two
// coordinates given in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Rounding can push a past 1 for antipodal points
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// LowerMedian sorts a copy of values ascending and returns the element at
// index len/2. Returns 0 for an empty slice.
func LowerMedian(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

// Mode returns the city with the highest count. Ties go to the
// lexicographically smallest name.
func Mode(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	bestCount := 0
	for _, name := range names {
		if counts[name] > bestCount {
			best = name
			bestCount = counts[name]
		}
	}
	return best
}

// MeanStd returns the mean and sample standard deviation. The denominator
// is n-1 when n > 1, else 1, so a single sample has std 0.
func MeanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var sumSq float64
	for _, v := range values {
		sumSq += (v - mean) * (v - mean)
	}
	denom := 1.0
	if len(values) > 1 {
		denom = float64(len(values) - 1)
	}
	return mean, math.Sqrt(sumSq / denom)
}
