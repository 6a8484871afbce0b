// Package engine is the single mutation authority over the order book. It
// owns both sides of the book and the order registry, serializes every
// submission, and publishes the resulting state changes as typed events.
package engine

import (
	"fmt"
	"sync"
	"time"

	"clob/internal/orderbook"
	"clob/internal/registry"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Request is an order submission as received from a consumer
type Request struct {
	Owner string              `json:"owner,omitempty"`
	Side  orderbook.Side      `json:"side"`
	Type  orderbook.OrderType `json:"type"`
	Price decimal.Decimal     `json:"price"`
	Size  decimal.Decimal     `json:"size"`
}

func (r *Request) validate() error {
	if r.Side != orderbook.Buy && r.Side != orderbook.Sell {
		return &ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if !r.Size.IsPositive() {
		return &ValidationError{Field: "size", Reason: "must be positive"}
	}
	switch r.Type {
	case orderbook.Limit:
		if !r.Price.IsPositive() {
			return &ValidationError{Field: "price", Reason: "must be positive for limit orders"}
		}
	case orderbook.Market:
		r.Price = decimal.Zero
	default:
		return &ValidationError{Field: "type", Reason: "must be limit or market"}
	}
	return nil
}

// Outcome summarizes what a single submission did
type Outcome struct {
	OrderID     uint64            `json:"order_id"`
	Status      orderbook.Status  `json:"status"`
	TotalFilled decimal.Decimal   `json:"total_filled"`
	Fills       []orderbook.Fill  `json:"fills"`
	Trades      []orderbook.Trade `json:"trades"`
}

// Snapshot is a consistent read of both sides of the book
type Snapshot struct {
	Seq  uint64                    `json:"seq"`
	Bids []orderbook.LevelSnapshot `json:"bids"`
	Asks []orderbook.LevelSnapshot `json:"asks"`
}

type Engine struct {
	mu sync.RWMutex

	bids     *orderbook.Book
	asks     *orderbook.Book
	registry *registry.Registry
	trades   []orderbook.Trade

	lastID    uint64
	lastSeq   uint64
	lastTrade uint64
	lastEvent uint64

	events chan Event
	closed bool

	now func() time.Time
	log *zap.Logger
}

type Option func(*Engine)

// WithClock overrides the time source used for trade and order timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithEvents enables the event channel with the given buffer size. Without
// it the engine publishes nothing. Once the buffer is full Submit blocks
// until the consumer catches up.
func WithEvents(buffer int) Option {
	return func(e *Engine) {
		e.events = make(chan Event, buffer)
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		bids:     orderbook.New(orderbook.Buy),
		asks:     orderbook.New(orderbook.Sell),
		registry: registry.New(),
		trades:   make([]orderbook.Trade, 0),
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events returns the event stream, or nil when events are disabled
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Close stops accepting submissions and closes the event channel
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if e.events != nil {
		close(e.events)
	}
}

func (e *Engine) book(side orderbook.Side) *orderbook.Book {
	if side == orderbook.Buy {
		return e.bids
	}
	return e.asks
}

type plannedFill struct {
	maker *orderbook.Order
	size  decimal.Decimal
	next  orderbook.Status
}

// Submit validates and executes one order. Submissions never interleave:
// the whole plan, verify and commit sequence runs under the write lock.
func (e *Engine) Submit(req Request) (Outcome, error) {
	if err := req.validate(); err != nil {
		return Outcome{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Outcome{}, ErrClosed
	}

	opposite := e.book(req.Side.Opposite())
	if req.Type == orderbook.Market && opposite.Len() == 0 {
		return Outcome{}, ErrNoLiquidity
	}

	taker := &orderbook.Order{
		ID:        e.lastID + 1,
		Owner:     req.Owner,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Size:      req.Size,
		Remaining: req.Size,
		Seq:       e.lastSeq + 1,
		Timestamp: e.now(),
	}

	plan := e.plan(taker, opposite)
	if err := e.verify(plan); err != nil {
		e.log.Error("submit aborted", zap.Uint64("order_id", taker.ID), zap.Error(err))
		return Outcome{}, &InternalError{Op: "submit", Err: err}
	}

	out, err := e.commit(req, taker, opposite, plan)
	if err != nil {
		e.log.Error("commit failed", zap.Uint64("order_id", taker.ID), zap.Error(err))
		return out, &InternalError{Op: "commit", Err: err}
	}

	e.log.Debug("order processed",
		zap.Uint64("order_id", out.OrderID),
		zap.Stringer("side", req.Side),
		zap.Stringer("type", req.Type),
		zap.Stringer("status", out.Status),
		zap.Int("trades", len(out.Trades)),
	)
	return out, nil
}

// plan walks the opposite side read-only in price-time priority and
// returns the fills the taker would receive.
func (e *Engine) plan(taker *orderbook.Order, opposite *orderbook.Book) []plannedFill {
	var fills []plannedFill
	remaining := taker.Remaining

	opposite.Walk(func(maker *orderbook.Order) bool {
		if !remaining.IsPositive() || !taker.Crosses(maker.Price) {
			return false
		}
		size := decimal.Min(remaining, maker.Remaining)
		next := orderbook.Partial
		if size.Equal(maker.Remaining) {
			next = orderbook.Filled
		}
		fills = append(fills, plannedFill{maker: maker, size: size, next: next})
		remaining = remaining.Sub(size)
		return true
	})
	return fills
}

// verify checks every maker transition the plan implies so that commit
// cannot fail halfway through.
func (e *Engine) verify(plan []plannedFill) error {
	for _, f := range plan {
		current, ok := e.registry.Status(f.maker.ID)
		if !ok {
			return fmt.Errorf("%w: resting order %d", registry.ErrUnknownOrder, f.maker.ID)
		}
		if current == f.next {
			continue
		}
		if err := e.registry.CanTransition(f.maker.ID, f.next); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) commit(req Request, taker *orderbook.Order, opposite *orderbook.Book, plan []plannedFill) (Outcome, error) {
	e.lastID = taker.ID
	e.lastSeq = taker.Seq

	out := Outcome{OrderID: taker.ID, TotalFilled: decimal.Zero}

	if err := e.registry.Put(*taker, orderbook.Open); err != nil {
		return out, err
	}
	e.emit(OrderAccepted{Order: *taker, Request: req})
	e.emitStatus(taker.ID, taker.Owner)

	for _, f := range plan {
		maker := f.maker

		if f.next == orderbook.Filled {
			if _, err := opposite.Remove(maker.ID); err != nil {
				return out, err
			}
			maker.Remaining = decimal.Zero
		} else if err := opposite.Reduce(maker.ID, f.size); err != nil {
			return out, err
		}
		taker.Remaining = taker.Remaining.Sub(f.size)

		e.lastTrade++
		trade := orderbook.Trade{
			Seq:          e.lastTrade,
			Price:        maker.Price,
			Size:         f.size,
			Timestamp:    taker.Timestamp,
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			TakerSide:    taker.Side,
		}
		fill := orderbook.Fill{Price: maker.Price, Size: f.size}
		if err := e.registry.AddFill(maker.ID, fill); err != nil {
			return out, err
		}
		if err := e.registry.AddFill(taker.ID, fill); err != nil {
			return out, err
		}
		e.trades = append(e.trades, trade)
		out.Trades = append(out.Trades, trade)
		out.Fills = append(out.Fills, fill)
		out.TotalFilled = out.TotalFilled.Add(f.size)
		e.emit(TradeExecuted{Trade: trade})

		if err := e.advance(maker.ID, maker.Owner, f.next); err != nil {
			return out, err
		}
		takerNext := orderbook.Partial
		if taker.IsFilled() {
			takerNext = orderbook.Filled
		}
		if err := e.advance(taker.ID, taker.Owner, takerNext); err != nil {
			return out, err
		}
	}

	if taker.Remaining.IsPositive() {
		if taker.Type == orderbook.Limit {
			if err := e.book(taker.Side).Insert(taker); err != nil {
				return out, err
			}
		} else if err := e.advance(taker.ID, taker.Owner, orderbook.Canceled); err != nil {
			// market remainder is discarded, never rested
			return out, err
		}
	}

	out.Status, _ = e.registry.Status(taker.ID)
	if taker.Type == orderbook.Market && out.Status == orderbook.Canceled && out.TotalFilled.IsPositive() {
		out.Status = orderbook.Partial
	}
	return out, nil
}

// advance moves an order to next if it is not already there
func (e *Engine) advance(orderID uint64, owner string, next orderbook.Status) error {
	current, _ := e.registry.Status(orderID)
	if current == next {
		return nil
	}
	if err := e.registry.UpdateStatus(orderID, next); err != nil {
		return err
	}
	e.emitStatus(orderID, owner)
	return nil
}

func (e *Engine) emitStatus(orderID uint64, owner string) {
	if e.events == nil {
		return
	}
	rec, _ := e.registry.Get(orderID)
	e.emit(StatusChanged{OrderID: orderID, Owner: owner, Status: rec.Status, Record: rec})
}

// emit runs under the write lock, so channel order is submission order
func (e *Engine) emit(ev Event) {
	if e.events == nil {
		return
	}
	e.lastEvent++
	switch v := ev.(type) {
	case OrderAccepted:
		v.Seq = e.lastEvent
		ev = v
	case TradeExecuted:
		v.Seq = e.lastEvent
		ev = v
	case StatusChanged:
		v.Seq = e.lastEvent
		ev = v
	}
	e.events <- ev
}

// Order returns the registry record for an order
func (e *Engine) Order(orderID uint64) (registry.Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.Get(orderID)
}

// Snapshot returns up to depth levels per side from a single consistent view
func (e *Engine) Snapshot(depth int) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		Seq:  e.lastSeq,
		Bids: e.bids.Snapshot(depth),
		Asks: e.asks.Snapshot(depth),
	}
}

// RecentTrades returns the last n trades, oldest first
func (e *Engine) RecentTrades(n int) []orderbook.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if n > len(e.trades) || n < 0 {
		n = len(e.trades)
	}
	start := len(e.trades) - n
	result := make([]orderbook.Trade, n)
	copy(result, e.trades[start:])
	return result
}

// BestBid returns the highest resting bid price
func (e *Engine) BestBid() (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bids.BestPrice()
}

// BestAsk returns the lowest resting ask price
func (e *Engine) BestAsk() (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.asks.BestPrice()
}

// MidPrice returns the midpoint between best bid and ask
func (e *Engine) MidPrice() (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bid, okBid := e.bids.BestPrice()
	ask, okAsk := e.asks.BestPrice()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}
