// Package generator produces synthetic client transaction histories with
// injected foreign, amount and geographic anomalies.
package generator

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const metersToDeg = 1.0 / 111_320

// City is a named coordinate.
type City struct {
	Name      string
	Latitude  float64
	Longitude float64
}

// Cities are the locations clients live in and travel to.
var Cities = []City{
	{"Mexico City", 19.4326, -99.1332},
	{"Guadalajara", 20.6597, -103.3496},
	{"Monterrey", 25.6866, -100.3161},
	{"New York", 40.7128, -74.0060},
	{"Los Angeles", 34.0522, -118.2437},
	{"Tokyo", 35.6895, 139.6917},
	{"Paris", 48.8566, 2.3522},
	{"London", 51.5074, -0.1278},
	{"Berlin", 52.5200, 13.4050},
	{"Madrid", 40.4168, -3.7038},
	{"Toronto", 43.6532, -79.3832},
	{"Buenos Aires", -34.6037, -58.3816},
}

// TravelCities are the destinations of injected foreign transactions.
var TravelCities = []string{"Paris", "London", "Tokyo", "Berlin", "New York", "Toronto", "Buenos Aires", "Madrid"}

// Config controls the generated population.
type Config struct {
	Clients       int
	FirstClientID int
	Start         time.Time
	End           time.Time

	// ForeignClients each get one foreign transaction in the first month.
	ForeignClients int

	// UnusualClients may get one far-away duplicate transaction per month.
	UnusualClients int
}

// DefaultConfig returns 100 clients from id 1000 over 2024-01-01 to 2025-06-23.
func DefaultConfig() Config {
	return Config{
		Clients:        100,
		FirstClientID:  1000,
		Start:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2025, 6, 23, 0, 0, 0, 0, time.UTC),
		ForeignClients: 10,
		UnusualClients: 10,
	}
}

// Generator draws transactions from a seeded source.
type Generator struct {
	cfg    Config
	rng    *rand.Rand
	coords map[string]City
}

// New creates a generator. The same seed yields the same output.
func New(cfg Config, seed uint64) *Generator {
	coords := make(map[string]City, len(Cities))
	for _, c := range Cities {
		coords[c.Name] = c
	}
	return &Generator{
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		coords: coords,
	}
}

// Generate returns every client's transactions, client by client, month by month.
func (g *Generator) Generate() []domain.Transaction {
	ids := make([]int, g.cfg.Clients)
	for i := range ids {
		ids[i] = g.cfg.FirstClientID + i
	}
	foreign := g.sample(ids, g.cfg.ForeignClients)
	unusual := g.sample(ids, g.cfg.UnusualClients)
	months := g.months()

	var txs []domain.Transaction
	for _, id := range ids {
		home := g.coords["Mexico City"]
		if g.rng.Float64() >= 0.8 {
			home = Cities[g.rng.IntN(len(Cities))]
		}

		geoFraud := unusual[id] && g.rng.Float64() < 0.7
		amountFraud := g.rng.Float64() < 0.1

		for mi, month := range months {
			daysInMonth := month.AddDate(0, 1, -1).Day()
			count := g.monthlyCount()
			days := g.activeDays(count, daysInMonth)
			duplicated := false

			for n := 0; n < count; n++ {
				day := days[g.rng.IntN(len(days))]
				ts := time.Date(month.Year(), month.Month(), day,
					g.rng.IntN(24), g.rng.IntN(60), g.rng.IntN(60), 0, time.UTC)
				if ts.After(g.cfg.End) {
					continue
				}

				lat, lon := g.near(home, g.distance())
				tx := domain.Transaction{
					ClientID:  id,
					Timestamp: ts,
					Amount:    g.amount(amountFraud),
					Latitude:  lat,
					Longitude: lon,
					City:      home.Name,
				}

				if foreign[id] && mi == 0 && n == 0 {
					dest := g.coords[TravelCities[g.rng.IntN(len(TravelCities))]]
					tx.City = dest.Name
					tx.Latitude = dest.Latitude + g.uniform(-0.01, 0.01)
					tx.Longitude = dest.Longitude + g.uniform(-0.01, 0.01)
				}
				txs = append(txs, tx)

				// Same timestamp, far from home: physically implausible pair
				if geoFraud && !duplicated && g.rng.Float64() < 0.3 && n < count-1 {
					duplicated = true
					far := []float64{5000, 10000, 20000, 30000}[g.rng.IntN(4)]
					dlat, dlon := g.near(home, far)
					city := home.Name
					if g.rng.Float64() >= 0.5 {
						city = Cities[g.rng.IntN(len(Cities))].Name
					}
					txs = append(txs, domain.Transaction{
						ClientID:  id,
						Timestamp: ts,
						Amount:    round2(g.uniform(10, 500)),
						Latitude:  dlat,
						Longitude: dlon,
						City:      city,
					})
				}
			}
		}
	}
	return txs
}

func (g *Generator) months() []time.Time {
	var months []time.Time
	m := time.Date(g.cfg.Start.Year(), g.cfg.Start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !m.After(g.cfg.End) {
		months = append(months, m)
		m = m.AddDate(0, 1, 0)
	}
	return months
}

// monthlyCount: half the months are light, a few are very busy.
func (g *Generator) monthlyCount() int {
	p := g.rng.Float64()
	switch {
	case p < 0.5:
		return g.between(5, 50)
	case p < 0.8:
		return g.between(51, 200)
	case p < 0.95:
		return g.between(201, 400)
	default:
		return g.between(401, 500)
	}
}

// activeDays draws the days of the month that carry transactions, with replacement.
func (g *Generator) activeDays(count, daysInMonth int) []int {
	k := g.between(5, min(count, daysInMonth))
	days := make([]int, k)
	for i := range days {
		days[i] = g.rng.IntN(daysInMonth) + 1
	}
	sort.Ints(days)
	return days
}

// distance in metres from home: mostly close, sometimes across town.
func (g *Generator) distance() float64 {
	if g.rng.Float64() < 0.8 {
		return []float64{10, 50, 100, 300, 500, 1000, 2000}[g.rng.IntN(7)]
	}
	return []float64{5000, 10000}[g.rng.IntN(2)]
}

func (g *Generator) amount(fraudProne bool) float64 {
	if fraudProne && g.rng.Float64() < 0.05 {
		return round2(g.uniform(10000, 50000))
	}
	return round2(g.uniform(10, 500))
}

// near returns a point meters away from c in a random direction.
func (g *Generator) near(c City, meters float64) (float64, float64) {
	deg := meters * metersToDeg
	angle := g.uniform(0, 2*math.Pi)
	return c.Latitude + deg*math.Cos(angle), c.Longitude + deg*math.Sin(angle)
}

func (g *Generator) sample(ids []int, n int) map[int]bool {
	n = min(n, len(ids))
	out := make(map[int]bool, n)
	for _, i := range g.rng.Perm(len(ids))[:n] {
		out[ids[i]] = true
	}
	return out
}

// between returns an int in [lo, hi].
func (g *Generator) between(lo, hi int) int {
	return lo + g.rng.IntN(hi-lo+1)
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*g.rng.Float64()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
