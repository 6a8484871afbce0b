// Package market generates synthetic order flow so the book has liquidity
// and movement without real participants.
package market

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"clob/internal/engine"
	"clob/internal/orderbook"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Owner is recorded on every simulated order
const Owner = "simulator"

// seeded bids and asks never share a price
var minOffset = decimal.New(1, -2)

// Venue is where simulated orders are sent
type Venue interface {
	Submit(req engine.Request) (engine.Outcome, error)
	MidPrice() (decimal.Decimal, bool)
}

// Simulator seeds the book with resting liquidity on both sides of a
// synthetic price and then keeps submitting random orders around it.
type Simulator struct {
	mu          sync.Mutex
	venue       Venue
	priceGen    *PriceGenerator
	rng         *rand.Rand
	levels      int     // Levels seeded per side
	maxSize     float64 // Upper bound for a random order size
	marketRatio float64 // Share of steps that send a market order
	maxDrift    decimal.Decimal
	submitted   uint64
	rejected    uint64
	log         *zap.Logger
}

// NewSimulator creates a simulator. rng drives every random choice so runs
// are reproducible for a fixed seed.
func NewSimulator(venue Venue, priceGen *PriceGenerator, rng *rand.Rand, log *zap.Logger) *Simulator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Simulator{
		venue:       venue,
		priceGen:    priceGen,
		rng:         rng,
		levels:      50,
		maxSize:     10,
		marketRatio: 0.2,
		maxDrift:    decimal.NewFromInt(5),
		log:         log,
	}
}

// SetLevels sets the number of price levels seeded per side
func (s *Simulator) SetLevels(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels = n
}

// SetMaxSize sets the upper bound of random order sizes
func (s *Simulator) SetMaxSize(size float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSize = size
}

// SetMarketRatio sets the probability that a step sends a market order
func (s *Simulator) SetMarketRatio(r float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketRatio = r
}

// Stats returns how many orders were accepted and rejected so far
func (s *Simulator) Stats() (submitted, rejected uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted, s.rejected
}

// Seed rests one bid and one ask per level, each level a whole price unit
// further from the current price plus a random fraction.
func (s *Simulator) Seed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mid := s.priceGen.Price()
	for i := 0; i < s.levels; i++ {
		offset := decimal.Max(decimal.NewFromFloat(float64(i)+s.rng.Float64()).Round(2), minOffset)

		if bid := mid.Sub(offset); bid.IsPositive() {
			if err := s.submit(s.limit(orderbook.Buy, bid)); err != nil {
				return err
			}
		}
		if err := s.submit(s.limit(orderbook.Sell, mid.Add(offset))); err != nil {
			return err
		}
	}
	s.log.Info("simulator seeded", zap.Int("levels", s.levels), zap.Stringer("mid", mid))
	return nil
}

// Step moves the synthetic price and submits one random order. Rejections
// caused by the order itself (an empty side for a market order) are counted
// and not returned.
func (s *Simulator) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fair := s.priceGen.Step()
	// follow the book when real flow has moved it away from the walk
	if mid, ok := s.venue.MidPrice(); ok && mid.Sub(fair).Abs().GreaterThan(s.maxDrift) {
		s.priceGen.Reset(mid)
		fair = s.priceGen.Price()
	}

	side := orderbook.Buy
	if s.rng.Intn(2) == 1 {
		side = orderbook.Sell
	}

	if s.rng.Float64() < s.marketRatio {
		return s.submit(engine.Request{Owner: Owner, Side: side, Type: orderbook.Market, Size: s.size()})
	}

	// most flow lands near the top of the book
	offset := decimal.NewFromFloat(s.rng.ExpFloat64()).Round(2)
	price := fair.Sub(offset)
	if side == orderbook.Sell {
		price = fair.Add(offset)
	}
	if !price.IsPositive() {
		return nil
	}
	return s.submit(s.limit(side, price))
}

// Run seeds the book and then steps every interval until ctx is done or the
// venue closes
func (s *Simulator) Run(ctx context.Context, interval time.Duration) error {
	if err := s.Seed(); err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.Step()
			if errors.Is(err, engine.ErrClosed) {
				return nil
			}
			if err != nil {
				s.log.Error("simulator step failed", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Simulator) limit(side orderbook.Side, price decimal.Decimal) engine.Request {
	return engine.Request{Owner: Owner, Side: side, Type: orderbook.Limit, Price: price.Round(2), Size: s.size()}
}

// size returns a random positive size with four decimal places
func (s *Simulator) size() decimal.Decimal {
	size := decimal.NewFromFloat(s.rng.Float64() * s.maxSize).Round(4)
	if !size.IsPositive() {
		return decimal.New(1, -4)
	}
	return size
}

// submit must be called with s.mu held
func (s *Simulator) submit(req engine.Request) error {
	_, err := s.venue.Submit(req)
	switch {
	case err == nil:
		s.submitted++
		return nil
	case errors.Is(err, engine.ErrNoLiquidity), errors.Is(err, engine.ErrValidation):
		s.rejected++
		s.log.Debug("simulated order rejected", zap.Stringer("side", req.Side), zap.Error(err))
		return nil
	default:
		return err
	}
}
