package engine

import (
	"clob/internal/orderbook"
	"clob/internal/registry"
)

// Event is emitted by the engine for every state change, in the order the
// changes were made. Seq increases by one per event.
type Event interface {
	EventSeq() uint64
}

// OrderAccepted is emitted once per accepted request, before any trade it causes
type OrderAccepted struct {
	Seq     uint64
	Order   orderbook.Order
	Request Request
}

// TradeExecuted is emitted for every match iteration
type TradeExecuted struct {
	Seq   uint64
	Trade orderbook.Trade
}

// StatusChanged is emitted when an order is registered and on every
// subsequent status transition.
type StatusChanged struct {
	Seq     uint64
	OrderID uint64
	Owner   string
	Status  orderbook.Status
	Record  registry.Record
}

func (e OrderAccepted) EventSeq() uint64 { return e.Seq }
func (e TradeExecuted) EventSeq() uint64 { return e.Seq }
func (e StatusChanged) EventSeq() uint64 { return e.Seq }
