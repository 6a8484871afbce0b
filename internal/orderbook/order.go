package orderbook

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the side an order of this side matches against
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide converts the wire form ("buy"/"sell") to a Side
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

type OrderType int

const (
	Limit OrderType = iota
	Market
)

func (t OrderType) String() string {
	if t == Limit {
		return "limit"
	}
	return "market"
}

// Status is the lifecycle state of an order
type Status int

const (
	Open Status = iota
	Partial
	Filled
	Canceled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Partial:
		return "partial"
	case Filled:
		return "filled"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == Filled || s == Canceled
}

// CanTransitionTo reports whether s -> next is a forward lifecycle step.
// Open may move to any other state, Partial only to a terminal state.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case Open:
		return next == Partial || next == Filled || next == Canceled
	case Partial:
		return next == Filled || next == Canceled
	}
	return false
}

type Order struct {
	ID        uint64          `json:"id"`
	Owner     string          `json:"owner,omitempty"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Price     decimal.Decimal `json:"price"` // zero for market orders
	Size      decimal.Decimal `json:"size"`
	Remaining decimal.Decimal `json:"remaining"`
	Seq       uint64          `json:"seq"` // arrival sequence, FIFO key within a level
	Timestamp time.Time       `json:"timestamp"`
}

func (o *Order) Filled() decimal.Decimal {
	return o.Size.Sub(o.Remaining)
}

func (o *Order) IsFilled() bool {
	return !o.Remaining.IsPositive()
}

// Crosses reports whether a limit order at o.Price would trade against a
// resting order at price on the opposite side.
func (o *Order) Crosses(price decimal.Decimal) bool {
	if o.Type == Market {
		return true
	}
	if o.Side == Buy {
		return o.Price.GreaterThanOrEqual(price)
	}
	return o.Price.LessThanOrEqual(price)
}

// Fill is one execution from the point of view of a single order
type Fill struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type Trade struct {
	Seq          uint64          `json:"seq"`
	Price        decimal.Decimal `json:"price"` // always the maker's price
	Size         decimal.Decimal `json:"size"`
	Timestamp    time.Time       `json:"timestamp"`
	MakerOrderID uint64          `json:"maker_order_id"`
	TakerOrderID uint64          `json:"taker_order_id"`
	TakerSide    Side            `json:"taker_side"`
}
