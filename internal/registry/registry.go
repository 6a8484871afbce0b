// Package registry tracks the lifecycle status and fill history of every
// order accepted by the engine. Entries are retained for the lifetime of
// the process.
package registry

import (
	"errors"
	"fmt"

	"clob/internal/orderbook"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrDuplicate         = errors.New("order already registered")
)

// Record is a point-in-time copy of an order's registry entry
type Record struct {
	Order   orderbook.Order    `json:"order"`
	Status  orderbook.Status   `json:"status"`
	Filled  decimal.Decimal    `json:"filled"`
	Fills   []orderbook.Fill   `json:"fills"`
	History []orderbook.Status `json:"history"`
}

type entry struct {
	order   orderbook.Order
	status  orderbook.Status
	filled  decimal.Decimal
	fills   []orderbook.Fill
	history []orderbook.Status
}

// Registry is not safe for concurrent use. It is owned by the engine, which
// serializes every access.
type Registry struct {
	entries map[uint64]*entry
}

func New() *Registry {
	return &Registry{entries: make(map[uint64]*entry)}
}

// Put registers an order with its initial status
func (r *Registry) Put(order orderbook.Order, status orderbook.Status) error {
	if _, exists := r.entries[order.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicate, order.ID)
	}
	r.entries[order.ID] = &entry{
		order:   order,
		status:  status,
		history: []orderbook.Status{status},
	}
	return nil
}

// CanTransition checks an update without applying it
func (r *Registry) CanTransition(orderID uint64, next orderbook.Status) error {
	e, ok := r.entries[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, orderID)
	}
	if !e.status.CanTransitionTo(next) {
		return fmt.Errorf("%w: order %d %s -> %s", ErrInvalidTransition, orderID, e.status, next)
	}
	return nil
}

// UpdateStatus moves an order forward in its lifecycle. Backward moves and
// moves out of a terminal state fail with ErrInvalidTransition.
func (r *Registry) UpdateStatus(orderID uint64, next orderbook.Status) error {
	if err := r.CanTransition(orderID, next); err != nil {
		return err
	}
	e := r.entries[orderID]
	e.status = next
	e.history = append(e.history, next)
	return nil
}

// AddFill appends an execution to the order's history
func (r *Registry) AddFill(orderID uint64, fill orderbook.Fill) error {
	e, ok := r.entries[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, orderID)
	}
	if e.filled.Add(fill.Size).GreaterThan(e.order.Size) {
		return fmt.Errorf("fill of %s overfills order %d", fill.Size, orderID)
	}
	e.fills = append(e.fills, fill)
	e.filled = e.filled.Add(fill.Size)
	return nil
}

func (r *Registry) Get(orderID uint64) (Record, bool) {
	e, ok := r.entries[orderID]
	if !ok {
		return Record{}, false
	}
	rec := Record{
		Order:   e.order,
		Status:  e.status,
		Filled:  e.filled,
		Fills:   make([]orderbook.Fill, len(e.fills)),
		History: make([]orderbook.Status, len(e.history)),
	}
	rec.Order.Remaining = e.order.Size.Sub(e.filled)
	copy(rec.Fills, e.fills)
	copy(rec.History, e.history)
	return rec, true
}

// Status returns the current status without copying fill history
func (r *Registry) Status(orderID uint64) (orderbook.Status, bool) {
	e, ok := r.entries[orderID]
	if !ok {
		return 0, false
	}
	return e.status, true
}

func (r *Registry) Len() int {
	return len(r.entries)
}
