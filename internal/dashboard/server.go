// Package dashboard serves the status API and the operator triggers: manual
// entry and close, resolving flagged trades, taking over or releasing a
// trade and recording positions closed outside the bot.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/execution"
	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/eddiefleurent/spx_calendar/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Executor is the part of execution.Executor the dashboard drives.
type Executor interface {
	AttemptEntry(ctx context.Context, trigger string) *execution.EntryResult
	AttemptExit(ctx context.Context, tradeID, trigger, reason string) *execution.ExitResult
	ResolveTrade(ctx context.Context, tradeID, note string) (*models.Trade, error)
	TakeOver(ctx context.Context, tradeID, note string) (*models.Trade, error)
	Release(ctx context.Context, tradeID, note string) (*models.Trade, error)
	ForceClose(ctx context.Context, tradeID string, exitPrice float64, note string) (*models.Trade, error)
	Lock() *execution.Lock
	Phase() execution.PhaseSnapshot
}

type Config struct {
	Listen    string
	AuthToken string
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	exec      Executor
	storage   storage.Interface
	gatherer  prometheus.Gatherer
	logger    logrus.FieldLogger
	listen    string
	authToken string
}

// StatusView is the body of GET /api/status.
type StatusView struct {
	Time         time.Time               `json:"time"`
	Lock         execution.Snapshot      `json:"lock"`
	Phase        execution.PhaseSnapshot `json:"phase"`
	ActiveTrades int                     `json:"active_trades"`
}

// TradeView is a trade with its fill attempts.
type TradeView struct {
	Trade    *models.Trade           `json:"trade"`
	Attempts []storage.AttemptRecord `json:"attempts"`
}

// NewServer builds the router. gatherer may be nil to disable /metrics.
func NewServer(cfg Config, exec Executor, store storage.Interface, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		exec:      exec,
		storage:   store,
		gatherer:  gatherer,
		logger:    logger.WithField("component", "dashboard"),
		listen:    cfg.Listen,
		authToken: cfg.AuthToken,
	}
	if s.authToken == "" {
		s.logger.Warn("No auth token configured, every API request will be refused")
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(s.authMiddleware)

	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/api/status", s.handleStatus)
		r.Get("/api/trades", s.handleGetTrades)
		r.Get("/api/trades/{id}", s.handleGetTrade)
		r.Get("/api/stats", s.handleGetStats)
		r.Get("/api/actions", s.handleGetActions)
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	// Triggers run the whole fill sequence, so no request timeout here
	s.router.Post("/api/entry", s.handleEntry)
	s.router.Post("/api/trades/{id}/close", s.handleClose)
	s.router.Post("/api/trades/{id}/resolve", s.handleManual(func(ctx context.Context, id string, b manualBody) (*models.Trade, error) {
		return s.exec.ResolveTrade(ctx, id, b.Note)
	}))
	s.router.Post("/api/trades/{id}/takeover", s.handleManual(func(ctx context.Context, id string, b manualBody) (*models.Trade, error) {
		return s.exec.TakeOver(ctx, id, b.Note)
	}))
	s.router.Post("/api/trades/{id}/release", s.handleManual(func(ctx context.Context, id string, b manualBody) (*models.Trade, error) {
		return s.exec.Release(ctx, id, b.Note)
	}))
	s.router.Post("/api/trades/{id}/force-close", s.handleManual(func(ctx context.Context, id string, b manualBody) (*models.Trade, error) {
		if b.ExitPrice == nil {
			return nil, errMissingExitPrice
		}
		return s.exec.ForceClose(ctx, id, *b.ExitPrice, b.Note)
	}))
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if s.authToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("listen", s.listen).Info("starting dashboard server")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.storage.GetActiveTrades(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to load active trades")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusView{
		Time:         time.Now().UTC(),
		Lock:         s.exec.Lock().Snapshot(),
		Phase:        s.exec.Phase(),
		ActiveTrades: len(active),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	trades, err := s.storage.GetTrades(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load trades")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trade, err := s.storage.GetTrade(r.Context(), id)
	if errors.Is(err, storage.ErrTradeNotFound) {
		http.Error(w, "Trade not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to load trade")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	attempts, err := s.storage.GetAttempts(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load attempts")
	}
	s.writeJSON(w, http.StatusOK, TradeView{Trade: trade, Attempts: attempts})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.GetStatistics(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to calculate statistics")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetActions(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		http.Error(w, "invalid day", http.StatusBadRequest)
		return
	}
	actions, err := s.storage.GetDailyActions(r.Context(), day)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load daily actions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if actions == nil {
		actions = []storage.DailyAction{}
	}
	s.writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	res := s.exec.AttemptEntry(r.Context(), "manual")
	s.writeJSON(w, statusCode(res.Status), res)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	res := s.exec.AttemptExit(r.Context(), chi.URLParam(r, "id"), "manual", models.ExitReasonManual)
	code := statusCode(res.Status)
	if res.Status == execution.StatusSkipped && res.Reason == "trade not found" {
		code = http.StatusNotFound
	}
	s.writeJSON(w, code, res)
}

var errMissingExitPrice = errors.New("exit_price is required")

// manualBody is the optional JSON body of the operator trade routes.
type manualBody struct {
	Note      string   `json:"note"`
	ExitPrice *float64 `json:"exit_price"`
}

func (s *Server) handleManual(apply func(ctx context.Context, id string, body manualBody) (*models.Trade, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body manualBody
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
		}

		trade, err := apply(r.Context(), chi.URLParam(r, "id"), body)
		switch {
		case err == nil:
			s.writeJSON(w, http.StatusOK, trade)
		case errors.Is(err, storage.ErrTradeNotFound):
			http.Error(w, "Trade not found", http.StatusNotFound)
		case errors.Is(err, execution.ErrBusy):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
}

func statusCode(st execution.Status) int {
	switch st {
	case execution.StatusRejected:
		return http.StatusConflict
	case execution.StatusFailed, execution.StatusAborted, execution.StatusPartial:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
