package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/predmatch/params"
	"github.com/uhyunpark/predmatch/pkg/app/clob"
	"github.com/uhyunpark/predmatch/pkg/app/core"
	"github.com/uhyunpark/predmatch/pkg/app/core/transaction"
)

const maxBodyBytes = 64 << 10

// Server handles REST API and WebSocket connections
type Server struct {
	app    *clob.App
	router *mux.Router
	hub    *Hub
	cfg    params.API
	log    *zap.Logger
}

func NewServer(app *clob.App, hub *Hub, cfg params.API, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(log.Named("ws"))
	}
	s := &Server{
		app:    app,
		router: mux.NewRouter(),
		hub:    hub,
		cfg:    cfg,
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	// Markets
	api.HandleFunc("/markets/{market}/outcomes/{outcome}/book", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{market}/trades", s.handleGetTrades).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", s.app.Metrics().Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api_listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var so transaction.SignedOrder
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&so); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "MalformedRequest", err.Error())
		return
	}

	res, err := s.app.SubmitSigned(r.Context(), &so)
	if err != nil {
		s.respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, SubmitOrderResponse{
		Status:      res.Taker.State.String(),
		Order:       NewOrderInfo(res.Taker),
		Trades:      NewTradeInfos(res.Trades),
		FullyFilled: res.FullyFilled,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req transaction.CancelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "MalformedRequest", err.Error())
		return
	}

	ok, err := s.app.CancelRequest(r.Context(), &req)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, CancelOrderResponse{OrderID: req.OrderID, Cancelled: ok})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.app.Order(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewOrderInfo(o))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	outcome, err := strconv.ParseUint(vars["outcome"], 10, 8)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid outcome", "InvalidOutcome", err.Error())
		return
	}

	book, err := s.app.Book(r.Context(), vars["market"], uint8(outcome))
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewOrderbookSnapshot(book))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit", "MalformedRequest", err.Error())
			return
		}
		limit = n
	}

	trades, err := s.app.Trades(r.Context(), mux.Vars(r)["market"], limit)
	if err != nil {
		s.respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, NewTradeInfos(trades))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps the core error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrMatchingFailed):
		return http.StatusInternalServerError
	case errors.Is(err, core.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, core.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, clob.ErrLookupUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondAppError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{
		Error:   http.StatusText(status),
		Kind:    core.ErrorKind(err),
		Message: err.Error(),
	}

	var me *core.MatchingError
	if errors.As(err, &me) {
		resp.Kind = "MatchingFailed"
		resp.Trades = NewTradeInfos(me.Trades)
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("api_request_failed", zap.Int("status", status), zap.String("kind", resp.Kind), zap.Error(err))
	}
	respondJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error, kind, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Kind: kind, Message: message})
}
