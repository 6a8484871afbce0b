// Package feed republishes market data on NATS for consumers outside the
// websocket gateway.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"clob/internal/api"
	"clob/internal/candle"
	"clob/internal/engine"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Conn is the part of *nats.Conn the feed publishes through
type Conn interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	conn    Conn
	subject string
	log     *zap.Logger
}

// Connect dials the NATS server at url and returns a publisher rooted at
// subject, along with the connection so the caller can drain it.
func Connect(url, subject string, log *zap.Logger) (*Publisher, *nats.Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("clob"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, nil, err
	}
	return New(nc, subject, log), nc, nil
}

func New(conn Conn, subject string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{conn: conn, subject: subject, log: log}
}

func (p *Publisher) TradesSubject() string  { return p.subject + ".trades" }
func (p *Publisher) CandlesSubject() string { return p.subject + ".candles" }
func (p *Publisher) BookSubject() string    { return p.subject + ".book" }

// HandleEvent publishes every executed trade
func (p *Publisher) HandleEvent(ev engine.Event) {
	if e, ok := ev.(engine.TradeExecuted); ok {
		p.publish(p.TradesSubject(), api.NewTradeMessage(e.Trade))
	}
}

func (p *Publisher) PublishCandle(c candle.Candle) {
	p.publish(p.CandlesSubject(), api.NewCandleMessage(c))
}

func (p *Publisher) PublishBook(snap engine.Snapshot) {
	p.publish(p.BookSubject(), api.NewBookMessage(snap))
}

// RunBook publishes a depth-limited snapshot every interval until ctx is done
func (p *Publisher) RunBook(ctx context.Context, source api.Snapshotter, interval time.Duration, depth int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.PublishBook(source.Snapshot(depth))
		case <-ctx.Done():
			return
		}
	}
}

func (p *Publisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("marshal feed message", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("feed publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
