package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"clob/internal/candle"
	"clob/internal/engine"
	"clob/internal/orderbook"
	"clob/internal/registry"

	"github.com/shopspring/decimal"
)

// ErrParse matches every *ParseError
var ErrParse = errors.New("malformed message")

// ParseError describes an inbound message that could not be understood
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "malformed message: " + e.Reason
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// Inbound message types
const (
	TypeLimitOrder  = "limit_order"
	TypeMarketOrder = "market_order"
	TypeOrderStatus = "order_status"
)

// Command is a parsed inbound message. Request is set for order
// submissions, OrderID for status queries.
type Command struct {
	Type    string
	Request engine.Request
	OrderID uint64
}

type inbound struct {
	Type    string           `json:"type"`
	Side    string           `json:"side"`
	Price   *decimal.Decimal `json:"price"`
	Size    *decimal.Decimal `json:"size"`
	OrderID *uint64          `json:"orderId"`
}

// ParseCommand decodes one websocket frame. Range checks on price and size
// are left to the engine.
func ParseCommand(data []byte) (Command, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Command{}, &ParseError{Reason: err.Error()}
	}

	cmd := Command{Type: msg.Type}
	switch msg.Type {
	case TypeLimitOrder, TypeMarketOrder:
		side, err := orderbook.ParseSide(msg.Side)
		if err != nil {
			return Command{}, &ParseError{Reason: err.Error()}
		}
		if msg.Size == nil {
			return Command{}, &ParseError{Reason: "size is required"}
		}
		cmd.Request = engine.Request{Side: side, Size: *msg.Size, Type: orderbook.Market}
		if msg.Type == TypeLimitOrder {
			if msg.Price == nil {
				return Command{}, &ParseError{Reason: "price is required for limit orders"}
			}
			cmd.Request.Type = orderbook.Limit
			cmd.Request.Price = *msg.Price
		}
	case TypeOrderStatus:
		if msg.OrderID == nil {
			return Command{}, &ParseError{Reason: "orderId is required"}
		}
		cmd.OrderID = *msg.OrderID
	case "":
		return Command{}, &ParseError{Reason: "type is required"}
	default:
		return Command{}, &ParseError{Reason: fmt.Sprintf("unknown type %q", msg.Type)}
	}
	return cmd, nil
}

// Number renders a decimal as a bare JSON number
type Number decimal.Decimal

func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(n).String()), nil
}

func (n *Number) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	*n = Number(d)
	return nil
}

func (n Number) Decimal() decimal.Decimal {
	return decimal.Decimal(n)
}

type Level struct {
	Price Number `json:"price"`
	Size  Number `json:"size"`
}

type BookMessage struct {
	Type string  `json:"type"`
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

func NewBookMessage(snap engine.Snapshot) BookMessage {
	return BookMessage{
		Type: "orderbook",
		Bids: levels(snap.Bids),
		Asks: levels(snap.Asks),
	}
}

func levels(in []orderbook.LevelSnapshot) []Level {
	out := make([]Level, len(in))
	for i, l := range in {
		out[i] = Level{Price: Number(l.Price), Size: Number(l.Size)}
	}
	return out
}

type OrderView struct {
	Side         string  `json:"side"`
	Price        *Number `json:"price,omitempty"`
	Quantity     Number  `json:"quantity"`
	Filled       *Number `json:"filled,omitempty"`
	PricesFilled []Level `json:"pricesFilled,omitempty"`
}

type OrderResultMessage struct {
	Type    string    `json:"type"`
	OrderID uint64    `json:"orderId"`
	Status  string    `json:"status"`
	Order   OrderView `json:"order"`
}

// NewOrderResult renders a registry record. Market orders carry no price;
// filled and pricesFilled appear once something has executed.
func NewOrderResult(rec registry.Record) OrderResultMessage {
	view := OrderView{
		Side:     rec.Order.Side.String(),
		Quantity: Number(rec.Order.Size),
	}
	if rec.Order.Type == orderbook.Limit {
		p := Number(rec.Order.Price)
		view.Price = &p
	}
	if rec.Filled.IsPositive() {
		f := Number(rec.Filled)
		view.Filled = &f
		for _, fill := range rec.Fills {
			view.PricesFilled = append(view.PricesFilled, Level{Price: Number(fill.Price), Size: Number(fill.Size)})
		}
	}
	return OrderResultMessage{
		Type:    "order_result",
		OrderID: rec.Order.ID,
		Status:  rec.Status.String(),
		Order:   view,
	}
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewErrorMessage(err error) ErrorMessage {
	return ErrorMessage{Type: "error", Error: err.Error()}
}

type TradeView struct {
	Price        Number `json:"price"`
	Size         Number `json:"size"`
	Timestamp    int64  `json:"timestamp"` // unix millis
	MakerOrderID uint64 `json:"makerOrderId"`
	TakerOrderID uint64 `json:"takerOrderId"`
	Side         string `json:"side"`
}

type TradeMessage struct {
	Type  string    `json:"type"`
	Trade TradeView `json:"trade"`
}

func NewTradeView(t orderbook.Trade) TradeView {
	return TradeView{
		Price:        Number(t.Price),
		Size:         Number(t.Size),
		Timestamp:    t.Timestamp.UnixMilli(),
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		Side:         t.TakerSide.String(),
	}
}

func NewTradeMessage(t orderbook.Trade) TradeMessage {
	return TradeMessage{Type: "trade", Trade: NewTradeView(t)}
}

type CandleView struct {
	Time   int64  `json:"time"` // bucket start, unix seconds
	Open   Number `json:"open"`
	High   Number `json:"high"`
	Low    Number `json:"low"`
	Close  Number `json:"close"`
	Volume Number `json:"volume"`
}

type CandleMessage struct {
	Type   string     `json:"type"`
	Candle CandleView `json:"candle"`
}

func NewCandleView(c candle.Candle) CandleView {
	return CandleView{
		Time:   c.Start.Unix(),
		Open:   Number(c.Open),
		High:   Number(c.High),
		Low:    Number(c.Low),
		Close:  Number(c.Close),
		Volume: Number(c.Volume),
	}
}

func NewCandleMessage(c candle.Candle) CandleMessage {
	return CandleMessage{Type: "candle", Candle: NewCandleView(c)}
}
