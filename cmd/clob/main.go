package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"clob/internal/api"
	"clob/internal/candle"
	"clob/internal/config"
	"clob/internal/engine"
	"clob/internal/feed"
	"clob/internal/logger"
	"clob/internal/market"
	"clob/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	addr := flag.String("addr", cfg.Addr, "listen address")
	dbPath := flag.String("db", cfg.Journal.Path, "SQLite journal path (empty = no journal)")
	replay := flag.Bool("replay", false, "rebuild the book from the journal before serving")
	simulate := flag.Bool("simulate", cfg.Simulator.Enabled, "run the liquidity simulator")
	flag.Parse()

	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	// Journal is optional
	var st *store.Store
	if *dbPath != "" {
		st, err = store.New(*dbPath, zl.Named("store"))
		if err != nil {
			zl.Fatal("failed to open journal", zap.String("path", *dbPath), zap.Error(err))
		}
	}

	engineOpts := []engine.Option{engine.WithEvents(cfg.Transport.EventBuffer), engine.WithLogger(zl.Named("engine"))}
	eng := engine.New(engineOpts...)
	if *replay && st != nil {
		requests, err := st.Requests()
		if err != nil {
			zl.Fatal("failed to read journal", zap.Error(err))
		}
		eng, err = engine.Replay(requests, engineOpts...)
		if err != nil {
			zl.Fatal("failed to replay journal", zap.Error(err))
		}
		zl.Info("journal replayed", zap.Int("orders", len(requests)))
	}

	hub := api.NewHub(eng, cfg.Transport.ClientBuffer, zl.Named("hub"))

	var pub *feed.Publisher
	if cfg.NATS.URL != "" {
		p, nc, err := feed.Connect(cfg.NATS.URL, cfg.NATS.Subject, zl.Named("feed"))
		if err != nil {
			zl.Fatal("failed to connect to NATS", zap.String("url", cfg.NATS.URL), zap.Error(err))
		}
		defer nc.Drain()
		pub = p
	}

	// Closed candles go to websocket clients, the feed and the journal
	onCandle := func(c candle.Candle) {
		hub.BroadcastCandle(c)
		if pub != nil {
			pub.PublishCandle(c)
		}
		if st != nil {
			if err := st.RecordCandle(c); err != nil {
				zl.Error("failed to journal candle", zap.Error(err))
			}
		}
	}
	aggregator := candle.NewAggregator(cfg.Candles.Interval, time.Now(),
		candle.WithEmitter(onCandle),
		candle.WithHistory(cfg.Candles.History),
		candle.WithLogger(zl.Named("candles")),
	)

	dispatcher := engine.NewDispatcher(eng.Events(), zl.Named("dispatch"), aggregator, hub)
	if st != nil {
		dispatcher.Add(st)
	}
	if pub != nil {
		dispatcher.Add(pub)
	}

	server := api.NewServer(eng, hub, zl.Named("http"))
	server.SetCORSOrigins(cfg.Transport.CORSOrigins)
	server.SetRateLimit(cfg.Transport.RateLimit, cfg.Transport.RateWindow)
	server.SetCandles(aggregator)
	server.SetDepth(cfg.Book.Depth)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// the dispatcher outlives ctx so it can drain events until the engine closes
	dispatchDone := make(chan struct{})
	go func() {
		dispatcher.Run(context.Background())
		close(dispatchDone)
	}()

	run(func() { aggregator.Run(ctx) })
	run(func() { hub.RunSnapshots(ctx, cfg.Book.Interval, cfg.Book.Depth) })
	if pub != nil {
		run(func() { pub.RunBook(ctx, eng, cfg.Book.Interval, cfg.Book.Depth) })
	}
	if *simulate {
		mid := decimal.NewFromFloat(cfg.Simulator.Mid)
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		if m, ok := eng.MidPrice(); ok {
			mid = m
		}
		sim := market.NewSimulator(eng, market.NewPriceGenerator(mid, cfg.Simulator.Volatility, rng), rng, zl.Named("simulator"))
		sim.SetLevels(cfg.Simulator.Levels)
		if _, ok := eng.BestAsk(); ok {
			// a replayed book already has liquidity
			sim.SetLevels(0)
		}
		run(func() {
			if err := sim.Run(ctx, cfg.Simulator.Interval); err != nil {
				zl.Error("simulator stopped", zap.Error(err))
			}
		})
	}

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server.Router(),
	}

	go func() {
		zl.Info("starting clob server",
			zap.String("addr", *addr),
			zap.String("journal", *dbPath),
			zap.Bool("simulate", *simulate),
			zap.Bool("nats", pub != nil),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down")

	// Stop producers first, then let the dispatcher drain what is left
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zl.Error("HTTP server shutdown error", zap.Error(err))
	}
	server.Shutdown()

	eng.Close()
	<-dispatchDone

	if st != nil {
		if err := st.Close(); err != nil {
			zl.Error("journal close error", zap.Error(err))
		}
	}
	zl.Info("shutdown complete")
}
