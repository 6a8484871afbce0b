package api

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"clob/internal/candle"
	"clob/internal/orderbook"
	"clob/internal/registry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"limit_order","side":"buy","price":100.25,"size":3}`))
	require.NoError(t, err)
	assert.Equal(t, TypeLimitOrder, cmd.Type)
	assert.Equal(t, orderbook.Buy, cmd.Request.Side)
	assert.Equal(t, orderbook.Limit, cmd.Request.Type)
	assert.True(t, d("100.25").Equal(cmd.Request.Price))
	assert.True(t, d("3").Equal(cmd.Request.Size))

	cmd, err = ParseCommand([]byte(`{"type":"market_order","side":"sell","size":0.5}`))
	require.NoError(t, err)
	assert.Equal(t, orderbook.Market, cmd.Request.Type)
	assert.Equal(t, orderbook.Sell, cmd.Request.Side)

	cmd, err = ParseCommand([]byte(`{"type":"order_status","orderId":42}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cmd.OrderID)
}

func TestParseCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"side":"buy"}`},
		{"unknown type", `{"type":"cancel_order"}`},
		{"bad side", `{"type":"limit_order","side":"hold","price":1,"size":1}`},
		{"missing size", `{"type":"market_order","side":"buy"}`},
		{"limit without price", `{"type":"limit_order","side":"buy","size":1}`},
		{"status without id", `{"type":"order_status"}`},
		{"price not a number", `{"type":"limit_order","side":"buy","price":"abc","size":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse))
		})
	}
}

func TestNumberIsBareJSON(t *testing.T) {
	data, err := json.Marshal(Level{Price: Number(d("100.10")), Size: Number(d("0.001"))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":100.1,"size":0.001}`, string(data))
	assert.Contains(t, string(data), `"price":100.1`)
}

func TestOrderResultLimit(t *testing.T) {
	rec := registry.Record{
		Order:  orderbook.Order{ID: 7, Side: orderbook.Sell, Type: orderbook.Limit, Price: d("101"), Size: d("5")},
		Status: orderbook.Partial,
		Filled: d("2"),
		Fills:  []orderbook.Fill{{Price: d("101"), Size: d("2")}},
	}
	data, err := json.Marshal(NewOrderResult(rec))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"order_result","orderId":7,"status":"partial",
		"order":{"side":"sell","price":101,"quantity":5,"filled":2,"pricesFilled":[{"price":101,"size":2}]}
	}`, string(data))
}

func TestOrderResultMarketUnfilled(t *testing.T) {
	rec := registry.Record{
		Order:  orderbook.Order{ID: 3, Side: orderbook.Buy, Type: orderbook.Market, Size: d("1")},
		Status: orderbook.Open,
		Filled: decimal.Zero,
	}
	data, err := json.Marshal(NewOrderResult(rec))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"order_result","orderId":3,"status":"open","order":{"side":"buy","quantity":1}}`, string(data))
}

func TestTradeAndCandleMessages(t *testing.T) {
	ts := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	data, err := json.Marshal(NewTradeMessage(orderbook.Trade{
		Seq: 1, Price: d("99.5"), Size: d("2"), Timestamp: ts,
		MakerOrderID: 1, TakerOrderID: 2, TakerSide: orderbook.Sell,
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"trade","trade":{"price":99.5,"size":2,"timestamp":1704207600000,
		"makerOrderId":1,"takerOrderId":2,"side":"sell"}}`, string(data))

	data, err = json.Marshal(NewCandleMessage(candle.Candle{
		Start: ts, End: ts.Add(time.Minute),
		Open: d("1"), High: d("3"), Low: d("0.5"), Close: d("2"), Volume: d("10"), Trades: 4,
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"candle","candle":{"time":1704207600,"open":1,"high":3,"low":0.5,"close":2,"volume":10}}`, string(data))
}
