package store

import (
	"database/sql"
	"fmt"
	"time"

	"clob/internal/candle"
	"clob/internal/engine"
	"clob/internal/orderbook"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store journals accepted orders, trades and closed candles to SQLite. The
// order journal is what Replay consumes; nothing here is required for the
// engine to run.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// New opens the database at dbPath and applies pending migrations
func New(dbPath string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and writes ordered
	db.SetMaxOpenConns(1)

	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{db: db, log: log}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// HandleEvent journals engine events. Write failures are logged and do not
// affect matching.
func (s *Store) HandleEvent(ev engine.Event) {
	var err error
	switch e := ev.(type) {
	case engine.OrderAccepted:
		err = s.RecordOrder(e.Order)
	case engine.TradeExecuted:
		err = s.RecordTrade(e.Trade)
	}
	if err != nil {
		s.log.Error("journal write failed", zap.Uint64("event_seq", ev.EventSeq()), zap.Error(err))
	}
}

// RecordOrder appends an accepted order to the journal
func (s *Store) RecordOrder(o orderbook.Order) error {
	_, err := s.db.Exec(`
		INSERT INTO orders (seq, order_id, owner, side, type, price, size, accepted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, o.Seq, o.ID, o.Owner, o.Side.String(), o.Type.String(), o.Price.String(), o.Size.String(), o.Timestamp.UTC())
	return err
}

func (s *Store) RecordTrade(t orderbook.Trade) error {
	_, err := s.db.Exec(`
		INSERT INTO trades (seq, price, size, maker_order_id, taker_order_id, taker_side, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.Seq, t.Price.String(), t.Size.String(), t.MakerOrderID, t.TakerOrderID, t.TakerSide.String(), t.Timestamp.UTC())
	return err
}

func (s *Store) RecordCandle(c candle.Candle) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO candles (start_at, end_at, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Start.UTC(), c.End.UTC(), c.Open.String(), c.High.String(), c.Low.String(),
		c.Close.String(), c.Volume.String(), c.Trades)
	return err
}

// Requests returns the order journal in acceptance order, ready for
// engine.Replay.
func (s *Store) Requests() ([]engine.Request, error) {
	rows, err := s.db.Query(`SELECT owner, side, type, price, size FROM orders ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []engine.Request
	for rows.Next() {
		var owner, side, typ, price, size string
		if err := rows.Scan(&owner, &side, &typ, &price, &size); err != nil {
			return nil, err
		}
		req, err := parseRequest(owner, side, typ, price, size)
		if err != nil {
			return nil, fmt.Errorf("journal row %d: %w", len(reqs)+1, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func parseRequest(owner, side, typ, price, size string) (engine.Request, error) {
	req := engine.Request{Owner: owner}
	var err error
	if req.Side, err = orderbook.ParseSide(side); err != nil {
		return req, err
	}
	switch typ {
	case "limit":
		req.Type = orderbook.Limit
	case "market":
		req.Type = orderbook.Market
	default:
		return req, fmt.Errorf("unknown order type %q", typ)
	}
	if req.Price, err = decimal.NewFromString(price); err != nil {
		return req, err
	}
	if req.Size, err = decimal.NewFromString(size); err != nil {
		return req, err
	}
	return req, nil
}

// Trades returns up to limit journaled trades, oldest first
func (s *Store) Trades(limit int) ([]orderbook.Trade, error) {
	rows, err := s.db.Query(`
		SELECT seq, price, size, maker_order_id, taker_order_id, taker_side, executed_at
		FROM trades ORDER BY seq LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []orderbook.Trade
	for rows.Next() {
		var t orderbook.Trade
		var price, size, side string
		var executedAt time.Time
		if err := rows.Scan(&t.Seq, &price, &size, &t.MakerOrderID, &t.TakerOrderID, &side, &executedAt); err != nil {
			return nil, err
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if t.Size, err = decimal.NewFromString(size); err != nil {
			return nil, err
		}
		if t.TakerSide, err = orderbook.ParseSide(side); err != nil {
			return nil, err
		}
		t.Timestamp = executedAt
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CandleCount returns the number of journaled candles
func (s *Store) CandleCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM candles").Scan(&n)
	return n, err
}
