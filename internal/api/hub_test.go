package api

import (
	"encoding/json"
	"testing"
	"time"

	"clob/internal/engine"
	"clob/internal/orderbook"
	"clob/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticBook struct{}

func (staticBook) Snapshot(depth int) engine.Snapshot {
	return engine.Snapshot{
		Bids: []orderbook.LevelSnapshot{{Price: d("99"), Size: d("1")}},
		Asks: []orderbook.LevelSnapshot{{Price: d("101"), Size: d("2")}},
	}
}

// testClient registers a connectionless client whose send channel the
// test reads directly
func testClient(h *Hub, id string, buffer int) *Client {
	c := &Client{id: id, hub: h, send: make(chan []byte, buffer)}
	h.Register(c)
	return c
}

func recv(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "channel closed")
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return nil
	}
}

func assertEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected message %s", data)
	default:
	}
}

func record(id uint64, status orderbook.Status) registry.Record {
	return registry.Record{
		Order:  orderbook.Order{ID: id, Side: orderbook.Buy, Type: orderbook.Limit, Price: d("100"), Size: d("1")},
		Status: status,
	}
}

func TestHubRoutesOrderResultsToOwner(t *testing.T) {
	h := NewHub(staticBook{}, 8, nil)
	alice := testClient(h, "alice", 8)
	bob := testClient(h, "bob", 8)

	h.HandleEvent(engine.OrderAccepted{Seq: 1, Order: orderbook.Order{ID: 1, Owner: "alice"}})
	h.HandleEvent(engine.StatusChanged{Seq: 2, OrderID: 1, Owner: "alice", Status: orderbook.Open, Record: record(1, orderbook.Open)})

	msg := recv(t, alice)
	assert.Equal(t, "order_result", msg["type"])
	assert.EqualValues(t, 1, msg["orderId"])
	assert.Equal(t, "open", msg["status"])
	assertEmpty(t, bob)
}

func TestHubForgetsTerminalOrders(t *testing.T) {
	h := NewHub(staticBook{}, 8, nil)
	alice := testClient(h, "alice", 8)

	h.HandleEvent(engine.OrderAccepted{Seq: 1, Order: orderbook.Order{ID: 1, Owner: "alice"}})
	h.HandleEvent(engine.StatusChanged{Seq: 2, OrderID: 1, Status: orderbook.Filled, Record: record(1, orderbook.Filled)})
	assert.Equal(t, "filled", recv(t, alice)["status"])

	// a late event for the same order goes nowhere
	h.HandleEvent(engine.StatusChanged{Seq: 3, OrderID: 1, Status: orderbook.Filled, Record: record(1, orderbook.Filled)})
	assertEmpty(t, alice)
}

func TestHubIgnoresUnknownOwners(t *testing.T) {
	h := NewHub(staticBook{}, 8, nil)
	alice := testClient(h, "alice", 8)

	h.HandleEvent(engine.OrderAccepted{Seq: 1, Order: orderbook.Order{ID: 1, Owner: "simulator"}})
	h.HandleEvent(engine.OrderAccepted{Seq: 2, Order: orderbook.Order{ID: 2}})
	h.HandleEvent(engine.StatusChanged{Seq: 3, OrderID: 1, Status: orderbook.Open, Record: record(1, orderbook.Open)})
	h.HandleEvent(engine.StatusChanged{Seq: 4, OrderID: 2, Status: orderbook.Open, Record: record(2, orderbook.Open)})
	assertEmpty(t, alice)
}

func TestHubUnregisterDropsRouting(t *testing.T) {
	h := NewHub(staticBook{}, 8, nil)
	alice := testClient(h, "alice", 8)
	h.HandleEvent(engine.OrderAccepted{Seq: 1, Order: orderbook.Order{ID: 1, Owner: "alice"}})

	h.Unregister(alice)
	assert.Equal(t, 0, h.ClientCount())
	_, ok := <-alice.send
	assert.False(t, ok, "send channel should be closed")

	// must not panic on the closed channel
	h.HandleEvent(engine.StatusChanged{Seq: 2, OrderID: 1, Status: orderbook.Filled, Record: record(1, orderbook.Filled)})
	h.Unregister(alice)

	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.Empty(t, h.owners)
}

func TestHubBroadcastsTrades(t *testing.T) {
	h := NewHub(staticBook{}, 8, nil)
	alice := testClient(h, "alice", 8)
	bob := testClient(h, "bob", 8)

	h.HandleEvent(engine.TradeExecuted{Seq: 1, Trade: orderbook.Trade{
		Seq: 1, Price: d("100"), Size: d("1"), MakerOrderID: 1, TakerOrderID: 2, TakerSide: orderbook.Buy,
	}})

	for _, c := range []*Client{alice, bob} {
		msg := recv(t, c)
		assert.Equal(t, "trade", msg["type"])
		trade := msg["trade"].(map[string]interface{})
		assert.EqualValues(t, 100, trade["price"])
		assert.Equal(t, "buy", trade["side"])
	}
}

func TestHubBroadcastBook(t *testing.T) {
	h := NewHub(staticBook{}, 8, nil)
	alice := testClient(h, "alice", 8)

	h.BroadcastBook(20)
	msg := recv(t, alice)
	assert.Equal(t, "orderbook", msg["type"])
	bids := msg["bids"].([]interface{})
	require.Len(t, bids, 1)
	assert.EqualValues(t, 99, bids[0].(map[string]interface{})["price"])
}

func TestHubSendNeverBlocks(t *testing.T) {
	h := NewHub(staticBook{}, 1, nil)
	slow := testClient(h, "slow", 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.BroadcastBook(1)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client")
	}
	assert.Equal(t, uint64(9), h.Dropped())
	recv(t, slow)
}

func TestHubClose(t *testing.T) {
	h := NewHub(staticBook{}, 8, nil)
	alice := testClient(h, "alice", 8)

	h.Close()
	assert.Equal(t, 0, h.ClientCount())
	_, ok := <-alice.send
	assert.False(t, ok)
}
