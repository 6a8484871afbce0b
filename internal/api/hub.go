package api

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"clob/internal/candle"
	"clob/internal/engine"

	"go.uber.org/zap"
)

// Snapshotter is the read side of the engine the hub needs
type Snapshotter interface {
	Snapshot(depth int) engine.Snapshot
}

// Hub maintains active WebSocket connections, broadcasts market data and
// routes order results back to the connection that placed the order.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	byID    map[string]*Client
	owners  map[uint64]*Client // orderID -> connection awaiting results

	source  Snapshotter
	buffer  int
	dropped atomic.Uint64
	log     *zap.Logger
}

func NewHub(source Snapshotter, buffer int, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		clients: make(map[*Client]bool),
		byID:    make(map[string]*Client),
		owners:  make(map[uint64]*Client),
		source:  source,
		buffer:  buffer,
		log:     log,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.byID[client.id] = client
	h.mu.Unlock()
	h.log.Debug("client connected", zap.String("client", client.id))
}

// Unregister drops the client and every order result still routed to it.
// Its resting orders stay in the book.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	delete(h.byID, client.id)
	for id, c := range h.owners {
		if c == client {
			delete(h.owners, id)
		}
	}
	close(client.send)
	h.log.Debug("client disconnected", zap.String("client", client.id))
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.byID = make(map[string]*Client)
	h.owners = make(map[uint64]*Client)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded because a client's
// buffer was full
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("marshal broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		h.enqueue(client, data)
	}
}

// Send queues a message for a single client. It is a no-op once the client
// has been unregistered.
func (h *Hub) Send(client *Client, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[client] {
		h.enqueue(client, data)
	}
}

// enqueue must be called with h.mu held
func (h *Hub) enqueue(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.dropped.Add(1)
		h.log.Debug("client buffer full, message dropped", zap.String("client", client.id))
	}
}

// HandleEvent routes engine events to connections
func (h *Hub) HandleEvent(ev engine.Event) {
	switch e := ev.(type) {
	case engine.OrderAccepted:
		if e.Order.Owner == "" {
			return
		}
		h.mu.Lock()
		if c, ok := h.byID[e.Order.Owner]; ok {
			h.owners[e.Order.ID] = c
		}
		h.mu.Unlock()

	case engine.StatusChanged:
		h.mu.RLock()
		c, ok := h.owners[e.OrderID]
		h.mu.RUnlock()
		if !ok {
			return
		}
		h.Send(c, NewOrderResult(e.Record))
		if e.Status.Terminal() {
			h.mu.Lock()
			delete(h.owners, e.OrderID)
			h.mu.Unlock()
		}

	case engine.TradeExecuted:
		h.Broadcast(NewTradeMessage(e.Trade))
	}
}

// BroadcastCandle pushes a closed candle to every client
func (h *Hub) BroadcastCandle(c candle.Candle) {
	h.Broadcast(NewCandleMessage(c))
}

// BroadcastBook pushes the current top of book to every client
func (h *Hub) BroadcastBook(depth int) {
	h.Broadcast(NewBookMessage(h.source.Snapshot(depth)))
}

// RunSnapshots broadcasts the book every interval until ctx is done
func (h *Hub) RunSnapshots(ctx context.Context, interval time.Duration, depth int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if h.ClientCount() > 0 {
				h.BroadcastBook(depth)
			}
		case <-ctx.Done():
			return
		}
	}
}
