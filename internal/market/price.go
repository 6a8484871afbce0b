package market

import (
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceGenerator produces synthetic price movements via random walk
type PriceGenerator struct {
	mu         sync.RWMutex
	price      decimal.Decimal
	volatility float64 // Standard deviation of price changes per step
	drift      float64 // Mean drift per step (usually 0)
	minPrice   decimal.Decimal
	maxPrice   decimal.Decimal
	places     int32 // decimal places prices are rounded to
	rng        *rand.Rand
}

// NewPriceGenerator creates a random walk starting at initial. Prices stay
// within [initial/100, initial*10] and are rounded to cents.
func NewPriceGenerator(initial decimal.Decimal, volatility float64, rng *rand.Rand) *PriceGenerator {
	return &PriceGenerator{
		price:      initial,
		volatility: volatility,
		minPrice:   initial.Div(decimal.NewFromInt(100)).Round(2),
		maxPrice:   initial.Mul(decimal.NewFromInt(10)),
		places:     2,
		rng:        rng,
	}
}

// Price returns the current synthetic price
func (pg *PriceGenerator) Price() decimal.Decimal {
	pg.mu.RLock()
	defer pg.mu.RUnlock()
	return pg.price
}

// Step performs one random walk step and returns the new price
func (pg *PriceGenerator) Step() decimal.Decimal {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	// price += drift + volatility * N(0,1)
	change := pg.drift + pg.volatility*pg.rng.NormFloat64()
	next := pg.price.Add(decimal.NewFromFloat(change)).Round(pg.places)

	if next.LessThan(pg.minPrice) {
		next = pg.minPrice
	}
	if next.GreaterThan(pg.maxPrice) {
		next = pg.maxPrice
	}

	pg.price = next
	return next
}

// Reset moves the walk to price, clamped to the generator's bounds
func (pg *PriceGenerator) Reset(price decimal.Decimal) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.price = decimal.Min(decimal.Max(price.Round(pg.places), pg.minPrice), pg.maxPrice)
}

// SetVolatility adjusts the volatility (in price units)
func (pg *PriceGenerator) SetVolatility(v float64) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.volatility = v
}

// SetDrift adjusts the drift (in price units per step)
func (pg *PriceGenerator) SetDrift(d float64) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.drift = d
}
