package candle

import (
	"context"
	"sync"
	"time"

	"clob/internal/engine"
	"clob/internal/orderbook"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Candle is the OHLCV summary of the trades in [Start, End)
type Candle struct {
	Start  time.Time       `json:"start"`
	End    time.Time       `json:"end"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Trades int             `json:"trades"`
}

// Summarize builds a candle from trades in execution order. It returns
// false for an empty slice.
func Summarize(trades []orderbook.Trade, start, end time.Time) (Candle, bool) {
	if len(trades) == 0 {
		return Candle{}, false
	}
	c := Candle{
		Start:  start,
		End:    end,
		Open:   trades[0].Price,
		High:   trades[0].Price,
		Low:    trades[0].Price,
		Close:  trades[len(trades)-1].Price,
		Volume: decimal.Zero,
		Trades: len(trades),
	}
	for _, t := range trades {
		if t.Price.GreaterThan(c.High) {
			c.High = t.Price
		}
		if t.Price.LessThan(c.Low) {
			c.Low = t.Price
		}
		c.Volume = c.Volume.Add(t.Size)
	}
	return c, true
}

// Aggregator buckets trades into fixed-duration candles. Trades are
// buffered as they arrive and the buffer is swapped out on every tick.
// A bucket with no trades produces no candle.
type Aggregator struct {
	mu          sync.Mutex
	interval    time.Duration
	bucketStart time.Time
	buffer      []orderbook.Trade
	history     []Candle
	keep        int

	emit func(Candle)
	log  *zap.Logger
}

type Option func(*Aggregator)

// WithEmitter sets the callback invoked for every closed candle
func WithEmitter(fn func(Candle)) Option {
	return func(a *Aggregator) {
		a.emit = fn
	}
}

// WithHistory sets how many closed candles are retained for Candles
func WithHistory(n int) Option {
	return func(a *Aggregator) {
		a.keep = n
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(a *Aggregator) {
		a.log = log
	}
}

// NewAggregator starts the first bucket at start truncated to interval
func NewAggregator(interval time.Duration, start time.Time, opts ...Option) *Aggregator {
	a := &Aggregator{
		interval:    interval,
		bucketStart: start.Truncate(interval),
		keep:        500,
		emit:        func(Candle) {},
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add buffers a trade into the current bucket
func (a *Aggregator) Add(trade orderbook.Trade) {
	a.mu.Lock()
	a.buffer = append(a.buffer, trade)
	a.mu.Unlock()
}

// HandleEvent consumes trades from the engine's event stream
func (a *Aggregator) HandleEvent(ev engine.Event) {
	if t, ok := ev.(engine.TradeExecuted); ok {
		a.Add(t.Trade)
	}
}

// Tick closes the current bucket and advances to the next one
func (a *Aggregator) Tick() (Candle, bool) {
	a.mu.Lock()
	trades := a.buffer
	a.buffer = nil
	start := a.bucketStart
	end := start.Add(a.interval)
	a.bucketStart = end

	c, ok := Summarize(trades, start, end)
	if ok {
		a.history = append(a.history, c)
		if a.keep > 0 && len(a.history) > a.keep {
			a.history = a.history[len(a.history)-a.keep:]
		}
	}
	a.mu.Unlock()

	if !ok {
		a.log.Debug("empty candle bucket", zap.Time("start", start))
		return Candle{}, false
	}
	a.emit(c)
	return c, true
}

// Run ticks once per interval until ctx is done
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Tick()
		case <-ctx.Done():
			return
		}
	}
}

// Candles returns the retained closed candles, oldest first
func (a *Aggregator) Candles() []Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Candle, len(a.history))
	copy(out, a.history)
	return out
}

// BucketStart returns the start of the bucket currently being filled
func (a *Aggregator) BucketStart() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bucketStart
}
