package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clob/internal/api"
	"clob/internal/engine"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv holds all the components needed for e2e testing
type testEnv struct {
	server *httptest.Server
	engine *engine.Engine
	hub    *api.Hub
	cancel context.CancelFunc
	done   chan struct{}
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	eng := engine.New(engine.WithEvents(1024))
	hub := api.NewHub(eng, 64, nil)
	srv := api.NewServer(eng, hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := engine.NewDispatcher(eng.Events(), nil, hub)
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	env := &testEnv{
		server: httptest.NewServer(srv.Router()),
		engine: eng,
		hub:    hub,
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(func() {
		env.server.Close()
		srv.Shutdown()
		eng.Close()
		cancel()
		<-done
	})
	return env
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "websocket dial")
	t.Cleanup(func() { ws.Close() })

	// every connection starts with a book snapshot
	msg := readMessage(t, ws)
	require.Equal(t, "orderbook", msg["type"])
	return ws
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	jsonBody, _ := json.Marshal(body)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewBuffer(jsonBody))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func send(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func readMessage(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err, "read message")
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readType skips messages until one of the given type arrives
func readType(t *testing.T, ws *websocket.Conn, typ string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := readMessage(t, ws)
		if msg["type"] == typ {
			return msg
		}
	}
	t.Fatalf("no %q message", typ)
	return nil
}

func TestE2E_LimitOrderResting(t *testing.T) {
	env := setupTestEnv(t)
	ws := env.dial(t)

	send(t, ws, `{"type":"limit_order","side":"buy","price":99.5,"size":2}`)

	msg := readType(t, ws, "order_result")
	assert.Equal(t, "open", msg["status"])
	order := msg["order"].(map[string]interface{})
	assert.Equal(t, "buy", order["side"])
	assert.EqualValues(t, 99.5, order["price"])
	assert.EqualValues(t, 2, order["quantity"])

	snap := env.engine.Snapshot(10)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, "99.5", snap.Bids[0].Price.String())
}

func TestE2E_CrossingOrdersNotifyBothSides(t *testing.T) {
	env := setupTestEnv(t)
	maker := env.dial(t)
	taker := env.dial(t)

	send(t, maker, `{"type":"limit_order","side":"sell","price":101,"size":5}`)
	assert.Equal(t, "open", readType(t, maker, "order_result")["status"])

	send(t, taker, `{"type":"market_order","side":"buy","size":3}`)

	// taker: open on acceptance, the trade, then filled
	assert.Equal(t, "open", readType(t, taker, "order_result")["status"])
	trade := readType(t, taker, "trade")["trade"].(map[string]interface{})
	assert.EqualValues(t, 101, trade["price"])
	assert.EqualValues(t, 3, trade["size"])
	assert.Equal(t, "buy", trade["side"])

	res := readType(t, taker, "order_result")
	assert.Equal(t, "filled", res["status"])
	fills := res["order"].(map[string]interface{})["pricesFilled"].([]interface{})
	require.Len(t, fills, 1)

	// maker: partially filled
	res = readType(t, maker, "order_result")
	assert.Equal(t, "partial", res["status"])
	assert.EqualValues(t, 3, res["order"].(map[string]interface{})["filled"])
}

func TestE2E_ErrorsKeepConnectionOpen(t *testing.T) {
	env := setupTestEnv(t)
	ws := env.dial(t)

	send(t, ws, `not json`)
	assert.Contains(t, readType(t, ws, "error")["error"], "malformed")

	send(t, ws, `{"type":"limit_order","side":"buy","price":-1,"size":1}`)
	assert.Contains(t, readType(t, ws, "error")["error"], "price")

	send(t, ws, `{"type":"market_order","side":"buy","size":1}`)
	assert.Contains(t, readType(t, ws, "error")["error"], "no liquidity")

	send(t, ws, `{"type":"order_status","orderId":999}`)
	assert.Contains(t, readType(t, ws, "error")["error"], "unknown order")

	// still usable
	send(t, ws, `{"type":"limit_order","side":"sell","price":100,"size":1}`)
	assert.Equal(t, "open", readType(t, ws, "order_result")["status"])
}

func TestE2E_OrderStatusQuery(t *testing.T) {
	env := setupTestEnv(t)
	ws := env.dial(t)

	send(t, ws, `{"type":"limit_order","side":"sell","price":100,"size":1}`)
	id := readType(t, ws, "order_result")["orderId"]

	send(t, ws, `{"type":"order_status","orderId":1}`)
	res := readType(t, ws, "order_result")
	assert.Equal(t, id, res["orderId"])
	assert.Equal(t, "open", res["status"])
}

func TestE2E_DisconnectKeepsOrders(t *testing.T) {
	env := setupTestEnv(t)
	ws := env.dial(t)

	send(t, ws, `{"type":"limit_order","side":"buy","price":98,"size":1}`)
	readType(t, ws, "order_result")
	ws.Close()

	require.Eventually(t, func() bool { return env.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, env.engine.Snapshot(10).Bids, 1)

	// fills of the orphaned order go nowhere but still execute
	resp := env.post(t, "/api/orders", map[string]interface{}{"type": "market", "side": "sell", "size": 1})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, env.engine.Snapshot(10).Bids)
}

func TestE2E_RESTOrders(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.post(t, "/api/orders", map[string]interface{}{"type": "limit", "side": "sell", "price": 100.5, "size": 4})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var placed map[string]interface{}
	decodeJSON(t, resp, &placed)
	assert.Equal(t, "open", placed["status"])
	assert.EqualValues(t, 1, placed["orderId"])

	resp = env.post(t, "/api/orders", map[string]interface{}{"type": "market", "side": "buy", "size": 1.5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var taken map[string]interface{}
	decodeJSON(t, resp, &taken)
	assert.Equal(t, "filled", taken["status"])
	assert.EqualValues(t, 1.5, taken["totalFilled"])
	assert.Len(t, taken["trades"], 1)

	resp = env.get(t, "/api/orders/1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]interface{}
	decodeJSON(t, resp, &status)
	assert.Equal(t, "partial", status["status"])

	resp = env.get(t, "/api/book?depth=5")
	var book map[string]interface{}
	decodeJSON(t, resp, &book)
	asks := book["asks"].([]interface{})
	require.Len(t, asks, 1)
	assert.EqualValues(t, 2.5, asks[0].(map[string]interface{})["size"])

	resp = env.get(t, "/api/trades?limit=10")
	var trades []map[string]interface{}
	decodeJSON(t, resp, &trades)
	require.Len(t, trades, 1)
	assert.EqualValues(t, 100.5, trades[0]["price"])
}

func TestE2E_RESTErrors(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.post(t, "/api/orders", map[string]interface{}{"type": "market", "side": "buy", "size": 1})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.post(t, "/api/orders", map[string]interface{}{"type": "limit", "side": "buy", "price": 0, "size": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.post(t, "/api/orders", map[string]interface{}{"type": "stop", "side": "buy", "size": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.get(t, "/api/orders/42")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.get(t, "/api/orders/abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestE2E_Healthz(t *testing.T) {
	env := setupTestEnv(t)
	env.dial(t)

	resp := env.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["clients"])
}

func TestE2E_SnapshotBroadcast(t *testing.T) {
	env := setupTestEnv(t)
	ws := env.dial(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.RunSnapshots(ctx, 20*time.Millisecond, 20)

	env.post(t, "/api/orders", map[string]interface{}{"type": "limit", "side": "buy", "price": 100, "size": 1})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readType(t, ws, "orderbook")
		if len(msg["bids"].([]interface{})) == 1 {
			return
		}
	}
	t.Fatal("snapshot with the new bid never arrived")
}
