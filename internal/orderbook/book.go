package orderbook

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order already resting")
	ErrWrongSide      = errors.New("order side does not match book side")
	ErrOverReduce     = errors.New("reduction would consume the order")
	ErrInvalidSize    = errors.New("size must be positive")
)

// PriceLevel holds all orders resting at a specific price, oldest first
type PriceLevel struct {
	Price  decimal.Decimal
	Orders []*Order
	total  decimal.Decimal
}

func (pl *PriceLevel) TotalQuantity() decimal.Decimal {
	return pl.total
}

// Book is one side of the order book. Levels are kept in a btree ordered so
// that the minimum is always the best price: descending for bids, ascending
// for asks.
//
// Book is not safe for concurrent use; the engine serializes access.
type Book struct {
	side   Side
	levels *btree.BTreeG[*PriceLevel]
	orders map[uint64]*Order
}

func New(side Side) *Book {
	less := func(a, b *PriceLevel) bool { return a.Price.LessThan(b.Price) }
	if side == Buy {
		less = func(a, b *PriceLevel) bool { return a.Price.GreaterThan(b.Price) }
	}
	return &Book{
		side:   side,
		levels: btree.NewBTreeG(less),
		orders: make(map[uint64]*Order),
	}
}

func (b *Book) Side() Side {
	return b.side
}

// Insert appends the order to the FIFO queue at its price
func (b *Book) Insert(order *Order) error {
	if order.Side != b.side {
		return ErrWrongSide
	}
	if !order.Remaining.IsPositive() {
		return ErrInvalidSize
	}
	if _, exists := b.orders[order.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, order.ID)
	}

	level, ok := b.levels.Get(&PriceLevel{Price: order.Price})
	if !ok {
		level = &PriceLevel{Price: order.Price}
		b.levels.Set(level)
	}
	level.Orders = append(level.Orders, order)
	level.total = level.total.Add(order.Remaining)
	b.orders[order.ID] = order
	return nil
}

// PeekBest returns the resting order with the best price and the earliest
// arrival at that price.
func (b *Book) PeekBest() (*Order, bool) {
	level, ok := b.levels.Min()
	if !ok {
		return nil, false
	}
	return level.Orders[0], true
}

// BestPrice returns the best resting price, if any
func (b *Book) BestPrice() (decimal.Decimal, bool) {
	level, ok := b.levels.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.Price, true
}

// Reduce decrements a resting order. The order must remain resting
// afterwards; use Remove for an order that is fully consumed.
func (b *Book) Reduce(orderID uint64, qty decimal.Decimal) error {
	order, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if !qty.IsPositive() {
		return ErrInvalidSize
	}
	if qty.GreaterThanOrEqual(order.Remaining) {
		return fmt.Errorf("%w: order %d has %s, reduce by %s", ErrOverReduce, orderID, order.Remaining, qty)
	}

	level, _ := b.levels.Get(&PriceLevel{Price: order.Price})
	order.Remaining = order.Remaining.Sub(qty)
	level.total = level.total.Sub(qty)
	return nil
}

// Remove evicts an order and drops its level once empty
func (b *Book) Remove(orderID uint64) (*Order, error) {
	order, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	delete(b.orders, orderID)

	level, _ := b.levels.Get(&PriceLevel{Price: order.Price})
	for i, o := range level.Orders {
		if o.ID == orderID {
			level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
			break
		}
	}
	level.total = level.total.Sub(order.Remaining)
	if len(level.Orders) == 0 {
		b.levels.Delete(level)
	}
	return order, nil
}

// Get returns a resting order by ID
func (b *Book) Get(orderID uint64) (*Order, bool) {
	order, ok := b.orders[orderID]
	return order, ok
}

// Len returns the number of resting orders
func (b *Book) Len() int {
	return len(b.orders)
}

// Levels returns the number of distinct price levels
func (b *Book) Levels() int {
	return b.levels.Len()
}

// Walk visits resting orders in price-time priority until fn returns false
func (b *Book) Walk(fn func(*Order) bool) {
	b.levels.Scan(func(level *PriceLevel) bool {
		for _, o := range level.Orders {
			if !fn(o) {
				return false
			}
		}
		return true
	})
}

type LevelSnapshot struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Snapshot returns up to depth aggregated levels, best first. A depth of
// zero or less returns every level.
func (b *Book) Snapshot(depth int) []LevelSnapshot {
	n := b.levels.Len()
	if depth > 0 && depth < n {
		n = depth
	}
	snap := make([]LevelSnapshot, 0, n)
	b.levels.Scan(func(level *PriceLevel) bool {
		if len(snap) == n {
			return false
		}
		snap = append(snap, LevelSnapshot{Price: level.Price, Size: level.total})
		return true
	})
	return snap
}
