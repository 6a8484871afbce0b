package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"clob/internal/candle"
	"clob/internal/engine"
	"clob/internal/logger"
	"clob/internal/orderbook"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CandleSource supplies the recently closed candles sent to new connections
type CandleSource interface {
	Candles() []candle.Candle
}

type Server struct {
	engine      *engine.Engine
	hub         *Hub
	candles     CandleSource
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
	corsOrigins []string // Allowed CORS origins (empty = allow all)
	depth       int
	log         *zap.Logger
}

func NewServer(eng *engine.Engine, hub *Hub, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine: eng,
		hub:    hub,
		depth:  20,
		log:    log,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkCORSOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// SetCORSOrigins sets the allowed CORS origins.
// Pass an empty slice to allow all origins (development).
func (s *Server) SetCORSOrigins(origins []string) {
	s.corsOrigins = origins
}

// SetRateLimit enables per-IP limiting on /api. A limit of zero disables it.
func (s *Server) SetRateLimit(limit int, window time.Duration) {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.rateLimiter = nil
	}
	if limit > 0 {
		s.rateLimiter = NewRateLimiter(limit, window)
	}
}

func (s *Server) SetCandles(src CandleSource) {
	s.candles = src
}

// SetDepth sets the number of levels per side in book responses and the
// snapshot sent on connect
func (s *Server) SetDepth(depth int) {
	s.depth = depth
}

// checkCORSOrigin checks if an origin is allowed
func (s *Server) checkCORSOrigin(origin string) bool {
	if len(s.corsOrigins) == 0 {
		return true
	}
	// Empty origin header = same-origin request, always allow
	if origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware(s.log))
	r.Use(middleware.Recoverer)

	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		if s.rateLimiter != nil {
			r.Use(s.rateLimiter.Middleware)
		}
		r.Get("/book", s.getBook)
		r.Get("/trades", s.getTrades)
		r.Get("/candles", s.getCandles)
		r.Post("/orders", s.submitOrder)
		r.Get("/orders/{id}", s.getOrder)
	})

	r.Get("/healthz", s.healthz)

	// Browser clients connect on the bare host as well as /ws
	r.Get("/ws", s.handleWebSocket)
	r.Get("/", s.handleWebSocket)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps a submit error to an HTTP status
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation), errors.Is(err, ErrParse):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoLiquidity):
		return http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientError is the text sent back for a failed operation. Internal
// errors are logged in full but reported generically.
func clientError(err error) error {
	var internal *engine.InternalError
	if errors.As(err, &internal) {
		return errors.New("internal error, order not processed")
	}
	return err
}

type OrderRequest struct {
	Type  string  `json:"type"` // "limit" or "market"
	Side  string  `json:"side"` // "buy" or "sell"
	Price *Number `json:"price,omitempty"`
	Size  *Number `json:"size"`
}

type OrderResponse struct {
	OrderID     uint64      `json:"orderId"`
	Status      string      `json:"status"`
	TotalFilled Number      `json:"totalFilled"`
	Fills       []Level     `json:"fills"`
	Trades      []TradeView `json:"trades"`
}

func (req OrderRequest) toEngine() (engine.Request, error) {
	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		return engine.Request{}, &ParseError{Reason: err.Error()}
	}
	if req.Size == nil {
		return engine.Request{}, &ParseError{Reason: "size is required"}
	}
	out := engine.Request{Side: side, Size: req.Size.Decimal()}
	switch req.Type {
	case "limit":
		if req.Price == nil {
			return engine.Request{}, &ParseError{Reason: "price is required for limit orders"}
		}
		out.Type = orderbook.Limit
		out.Price = req.Price.Decimal()
	case "market":
		out.Type = orderbook.Market
	default:
		return engine.Request{}, &ParseError{Reason: fmt.Sprintf("unknown order type %q", req.Type)}
	}
	return out, nil
}

// submitOrder places an order over HTTP. Results come back in the response
// body only; no connection owns the order.
func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var body OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req, err := body.toEngine()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := s.engine.Submit(req)
	if err != nil {
		http.Error(w, clientError(err).Error(), errorStatus(err))
		return
	}

	resp := OrderResponse{
		OrderID:     out.OrderID,
		Status:      out.Status.String(),
		TotalFilled: Number(out.TotalFilled),
		Fills:       make([]Level, len(out.Fills)),
		Trades:      make([]TradeView, len(out.Trades)),
	}
	for i, f := range out.Fills {
		resp.Fills[i] = Level{Price: Number(f.Price), Size: Number(f.Size)}
	}
	for i, t := range out.Trades {
		resp.Trades[i] = NewTradeView(t)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	rec, ok := s.engine.Order(id)
	if !ok {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, NewOrderResult(rec))
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	depth := s.depth
	if n, err := strconv.Atoi(r.URL.Query().Get("depth")); err == nil && n > 0 {
		depth = n
	}
	writeJSON(w, http.StatusOK, NewBookMessage(s.engine.Snapshot(depth)))
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}

	trades := s.engine.RecentTrades(limit)
	views := make([]TradeView, len(trades))
	for i, t := range trades {
		views[i] = NewTradeView(t)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getCandles(w http.ResponseWriter, r *http.Request) {
	views := []CandleView{}
	if s.candles != nil {
		for _, c := range s.candles.Candles() {
			views = append(views, NewCandleView(c))
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := newClient(s.hub, conn)
	s.hub.Register(client)

	// Send initial book state and chart history
	s.hub.Send(client, NewBookMessage(s.engine.Snapshot(s.depth)))
	if s.candles != nil {
		for _, c := range s.candles.Candles() {
			s.hub.Send(client, NewCandleMessage(c))
		}
	}

	go client.WritePump()
	go client.ReadPump(s.handleMessage)
}

// handleMessage serves one inbound frame. Failures are reported to the
// sender and never close the connection.
func (s *Server) handleMessage(c *Client, data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		s.hub.Send(c, NewErrorMessage(err))
		return
	}

	switch cmd.Type {
	case TypeLimitOrder, TypeMarketOrder:
		req := cmd.Request
		req.Owner = c.id
		if _, err := s.engine.Submit(req); err != nil {
			if errorStatus(err) == http.StatusInternalServerError {
				s.log.Error("submit failed", zap.String("client", c.id), zap.Error(err))
			}
			s.hub.Send(c, NewErrorMessage(clientError(err)))
		}
	case TypeOrderStatus:
		rec, ok := s.engine.Order(cmd.OrderID)
		if !ok {
			s.hub.Send(c, NewErrorMessage(fmt.Errorf("unknown order %d", cmd.OrderID)))
			return
		}
		s.hub.Send(c, NewOrderResult(rec))
	}
}

// Shutdown stops the rate limiter and disconnects every client
func (s *Server) Shutdown() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.hub.Close()
}
